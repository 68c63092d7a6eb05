package tools

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// SystemService answers local actions that need no external service.
type SystemService struct {
	Now      func() time.Time
	Location *time.Location
}

func NewSystemService() *SystemService {
	return &SystemService{Now: time.Now, Location: time.Local}
}

func (s *SystemService) Call(_ context.Context, action string, _ map[string]any) (any, error) {
	switch action {
	case "time.now":
		now := s.Now().In(s.Location)
		return map[string]any{
			"time":     now.Format(time.RFC3339),
			"spoken":   now.Format("3:04 PM"),
			"weekday":  now.Weekday().String(),
			"date":     now.Format("January 2, 2006"),
			"timezone": now.Location().String(),
		}, nil
	default:
		return nil, errors.Errorf("system: unsupported action %s", action)
	}
}
