package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const correlationIDMessageMetadataKey = "correlation_id"

// WatermillZerologAdapter routes watermill's internal logging to zerolog.
type WatermillZerologAdapter struct {
	logger zerolog.Logger
}

func (w *WatermillZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Fields(fields).Err(err).Msg(msg)
}

func (w *WatermillZerologAdapter) Info(msg string, fields watermill.LogFields) {
	// map INFO to DEBUG because watermill is chatty
	w.logger.Debug().Fields(fields).Msg(msg)
}

func (w *WatermillZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(fields).Msg(msg)
}

func (w *WatermillZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(fields).Msg(msg)
}

func (w *WatermillZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	l := w.logger.With().Fields(fields).Logger()
	return &WatermillZerologAdapter{logger: l}
}

func NewWatermill(logger zerolog.Logger) *WatermillZerologAdapter {
	return &WatermillZerologAdapter{logger: logger}
}

var _ watermill.LoggerAdapter = &WatermillZerologAdapter{}

// LogHandler writes every event to the global logger at debug level.
func LogHandler(msg *message.Message) error {
	e, err := NewEventFromJSON(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping malformed event")
		return nil
	}
	ev := log.Debug().
		Str("event_type", string(e.Type)).
		Str("session_id", e.Metadata.SessionID).
		Str("turn_id", e.Metadata.TurnID).
		Str("sequence_number", msg.Metadata.Get("sequence_number"))
	if e.Tool != "" {
		ev = ev.Str("tool", e.Tool).Str("call_id", e.CallID)
	}
	if e.Success != nil {
		ev = ev.Bool("success", *e.Success)
	}
	if e.ErrorKind != "" {
		ev = ev.Str("error_kind", e.ErrorKind).Str("error", e.Error)
	}
	if e.ResponseType != "" {
		ev = ev.Str("response_type", e.ResponseType).Strs("queued_tools", e.QueuedTools)
	}
	ev.Int64("duration_ms", e.DurationMs).Msg("event")
	return nil
}
