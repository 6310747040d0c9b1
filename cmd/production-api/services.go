package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/production-workflow/config"
	"github.com/songzhibin97/production-workflow/deadlines"
	"github.com/songzhibin97/production-workflow/events"
	"github.com/songzhibin97/production-workflow/external"
	"github.com/songzhibin97/production-workflow/log"
	"github.com/songzhibin97/production-workflow/metrics"
	"github.com/songzhibin97/production-workflow/notify"
	"github.com/songzhibin97/production-workflow/rules"
	"github.com/songzhibin97/production-workflow/storage"
	"github.com/songzhibin97/production-workflow/telemetry"
	"github.com/songzhibin97/production-workflow/workflow"
)

// Services is the assembled production workflow.
type Services struct {
	Config     *config.Config
	Storage    storage.Storage
	Engine     *workflow.Engine
	Tracker    *deadlines.Tracker
	Dispatcher *notify.Dispatcher
	Runner     *external.Runner
	Metrics    *metrics.Metrics

	bus    *events.EventBus
	pubSub *gochannel.GoChannel
	cron   *cron.Cron
}

type ServicesOptions struct {
	StorageURL       string
	ConfigPath       string
	NodeID           uint16
	ReminderSchedule string
}

// BuildTable returns the default pipelines with the configured grants, frozen.
func BuildTable(cfg *config.Config, guards *rules.Library) (*workflow.Table, error) {
	table := workflow.DefaultTable()
	if err := cfg.Apply(table); err != nil {
		return nil, err
	}
	if err := table.Freeze(guards); err != nil {
		return nil, fmt.Errorf("invalid state table: %w", err)
	}
	if err := cfg.CheckTable(table); err != nil {
		return nil, fmt.Errorf("workflow config does not match the state table: %w", err)
	}
	return table, nil
}

// NewServices wires storage, engine, dispatcher, tracker and the external effect
// pipeline. Close releases everything it opened.
func NewServices(ctx context.Context, logger *slog.Logger, opts ServicesOptions) (*Services, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	guards := rules.DefaultLibrary(nil)
	table, err := BuildTable(cfg, guards)
	if err != nil {
		return nil, err
	}

	store, err := NewStorage(ctx, logger, opts.StorageURL)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	s := &Services{
		Config:  cfg,
		Storage: store,
		Metrics: metrics.New(prometheus.NewRegistry()),
	}

	generate := generator.NewSnowflake(time.Now().Add(-1*time.Second), opts.NodeID)

	s.bus = events.NewEventBus(events.WithLogger(log.WithModule("event-bus")))

	s.Dispatcher, err = notify.NewDispatcher(generate, store, cfg.Directory(), cfg.Mapping(),
		notify.WithMetrics(s.Metrics))
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}

	s.Tracker, err = deadlines.NewTracker(generate, store, cfg.Policy(),
		deadlines.WithMetrics(s.Metrics),
		deadlines.WithEventBus(s.bus))
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	s.bus.Subscribe(events.TransitionApplied, s.Tracker)

	s.pubSub = events.NewChannel(log.WithModule("watermill"))
	forwarder := events.NewForwarder(s.pubSub, logger)
	s.bus.Subscribe(events.TransitionApplied, forwarder)
	s.bus.Subscribe(events.DeadlineOverdue, forwarder)

	s.Runner = external.NewRunner(s.pubSub, external.WithMetrics(s.Metrics))
	if err := s.Runner.RegisterActions(external.LoggingCollaborators(log.WithModule("platforms")).Actions()); err != nil {
		return nil, errors.Join(err, s.Close())
	}

	s.Engine, err = workflow.NewEngine(generate, store, table, guards,
		workflow.WithNotifier(s.Dispatcher),
		workflow.WithEventBus(s.bus),
		workflow.WithMetrics(s.Metrics),
		workflow.WithTracer(telemetry.Tracer("workflow")),
	)
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}

	if opts.ReminderSchedule != "" {
		if err := s.startReminders(ctx, logger, opts.ReminderSchedule); err != nil {
			return nil, errors.Join(err, s.Close())
		}
	}
	return s, nil
}

// RunExternal consumes forwarded events until ctx is done.
func (s *Services) RunExternal(ctx context.Context) error {
	return s.Runner.Run(ctx)
}

func (s *Services) startReminders(ctx context.Context, logger *slog.Logger, schedule string) error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	entryID, err := s.cron.AddFunc(schedule, func() {
		n, err := s.Tracker.RemindOverdue(ctx, s.Dispatcher)
		if err != nil {
			logger.Error("Overdue reminder sweep failed", "reminded", n, "error", err)
			return
		}
		logger.Info("Overdue reminder sweep finished", "reminded", n)
	})
	if err != nil {
		return fmt.Errorf("failed to add reminder job %q: %w", schedule, err)
	}
	s.cron.Start()
	logger.Info("Reminder job scheduled", "schedule", schedule, "entry_id", entryID)
	return nil
}

// Close stops the reminder job and the event pipeline, then closes storage.
func (s *Services) Close() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.bus != nil {
		s.bus.Stop()
	}
	var errs []error
	if s.pubSub != nil {
		if err := s.pubSub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pub/sub: %w", err))
		}
	}
	if s.Storage != nil {
		if err := s.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
