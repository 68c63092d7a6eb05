package main

import (
	"context"

	"github.com/go-go-golems/glitchcube/pkg/conversation"
	"github.com/go-go-golems/glitchcube/pkg/dispatch"
	"github.com/go-go-golems/glitchcube/pkg/events"
	"github.com/go-go-golems/glitchcube/pkg/homeassistant"
	"github.com/go-go-golems/glitchcube/pkg/llm"
	"github.com/go-go-golems/glitchcube/pkg/metrics"
	"github.com/go-go-golems/glitchcube/pkg/orchestrator"
	"github.com/go-go-golems/glitchcube/pkg/pending"
	"github.com/go-go-golems/glitchcube/pkg/persona"
	"github.com/go-go-golems/glitchcube/pkg/prompt"
	"github.com/go-go-golems/glitchcube/pkg/settings"
	"github.com/go-go-golems/glitchcube/pkg/store"
	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const historyPerSession = 200

// application is every long-lived component of a running cube.
type application struct {
	settings     *settings.Settings
	registry     *tools.InMemoryRegistry
	executor     *tools.Executor
	recorder     *metrics.Recorder
	router       *events.EventRouter
	publisher    *events.Publisher
	queue        *dispatch.Queue
	pending      pending.Store
	history      conversation.Store
	homeAssist   *homeassistant.Client
	models       *llm.Models
	orchestrator *orchestrator.Orchestrator

	closers []func() error
}

func buildApp(s *settings.Settings) (*application, error) {
	app := &application{settings: s}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	descs, err := loadDescriptors(s)
	if err != nil {
		return nil, err
	}
	app.registry, err = tools.NewRegistry(descs, tools.WithAllowed(s.Tools.Allowed...))
	if err != nil {
		return nil, err
	}

	app.router, err = events.NewEventRouter(events.WithVerbose(s.Events.Log))
	if err != nil {
		return nil, errors.Wrap(err, "could not create event router")
	}
	if s.Events.Log {
		app.router.AddHandler("log", events.Topic, events.LogHandler)
	}
	app.publisher = app.router.NewPublisher()
	app.recorder = metrics.NewRecorder()

	execOpts := []tools.ExecutorOption{
		tools.WithService("system", tools.NewSystemService()),
		tools.WithObserver(app.recorder),
		tools.WithObserver(app.publisher),
	}
	if s.HomeAssistant.URL != "" {
		app.homeAssist, err = homeassistant.New(s.HomeAssistant)
		if err != nil {
			return nil, err
		}
		execOpts = append(execOpts, tools.WithService(homeassistant.ServiceName, app.homeAssist))
	} else {
		log.Warn().Msg("homeassistant.url is not set, home assistant tools will fail")
	}
	app.executor = tools.NewExecutor(tools.DefaultExecutorConfig().WithDefaultTimeout(s.Tools.DefaultTimeout), execOpts...)

	if err := app.openStores(); err != nil {
		return nil, err
	}

	app.queue = dispatch.NewQueue(s.Async, app.executor, app.pending, dispatch.WithNotifier(app.publisher))

	models, err := llm.Build(s.LLM)
	if err != nil {
		return nil, err
	}
	app.models = models
	personas, err := loadPersonas(s.Persona)
	if err != nil {
		return nil, err
	}
	prompts, err := prompt.NewBuilder(s.PromptConfig())
	if err != nil {
		return nil, err
	}

	opts := []orchestrator.Option{
		orchestrator.WithQueue(app.queue),
		orchestrator.WithPendingStore(app.pending),
		orchestrator.WithHistory(app.history),
		orchestrator.WithPersonas(personas),
		orchestrator.WithPromptBuilder(prompts),
		orchestrator.WithTurnRecorder(app.recorder),
		orchestrator.WithTurnPublisher(app.publisher),
	}
	if models.ToolCaller != nil {
		opts = append(opts, orchestrator.WithToolCaller(models.ToolCaller))
	}
	app.orchestrator, err = orchestrator.New(s.Turn.Config, app.registry, app.executor, models.Narrator, opts...)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("mode", string(app.orchestrator.Mode())).
		Int("tools", app.registry.Count()).
		Str("store", s.Store.Driver).
		Strs("personas", personas.Names()).
		Msg("glitchcube ready")
	ok = true
	return app, nil
}

func (a *application) openStores() error {
	s := a.settings.Store
	switch s.Driver {
	case "sqlite":
		db, err := store.OpenSQLite(s.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		if a.pending, err = pending.NewSQLiteStore(db); err != nil {
			return err
		}
		if a.history, err = conversation.NewSQLiteStore(db); err != nil {
			return err
		}
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		a.pending = pending.NewRedisStore(rdb, pending.WithRedisPrefix(s.RedisPrefix), pending.WithRedisTTL(s.PendingTTL))
		a.closers = append(a.closers, a.pending.Close)
		a.history = conversation.NewMemoryStore(historyPerSession)
	default:
		a.pending = pending.NewMemoryStore()
		a.history = conversation.NewMemoryStore(historyPerSession)
	}
	return nil
}

// start runs the event router and the async workers until ctx ends.
func (a *application) start(ctx context.Context) {
	go func() {
		if err := a.router.Run(ctx); err != nil {
			log.Error().Err(err).Msg("event router stopped")
		}
	}()
	<-a.router.Running()
	a.queue.Start(ctx)
}

// reloadTools re-reads the tool file and swaps the registry contents.
func (a *application) reloadTools() error {
	descs, err := loadDescriptors(a.settings)
	if err != nil {
		return err
	}
	if err := a.registry.Replace(descs); err != nil {
		return err
	}
	log.Info().Int("tools", a.registry.Count()).Msg("reloaded tool registry")
	return nil
}

// shutdown drains the queue and closes everything.
func (a *application) shutdown(ctx context.Context) {
	if a.queue != nil {
		if err := a.queue.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("async queue did not drain")
		}
	}
	a.Close()
}

func (a *application) Close() {
	if a.router != nil {
		_ = a.router.Close()
	}
	if a.history != nil {
		_ = a.history.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

func loadDescriptors(s *settings.Settings) ([]tools.Descriptor, error) {
	if s.Tools.File == "" {
		return tools.DefaultDescriptors(), nil
	}
	return tools.LoadFile(s.Tools.File)
}

func loadPersonas(s settings.PersonaSettings) (*persona.Library, error) {
	if s.File != "" {
		return persona.LoadFile(s.File, s.Default)
	}
	if s.Default == "" {
		return persona.Builtin(), nil
	}
	return persona.NewLibrary(s.Default, persona.BuiltinPersonas()...)
}
