// Package app wires the dispatch core, its sinks and workers, and the HTTP
// server from process configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"task-dispatch-service/internal/config"
	"task-dispatch-service/internal/task-dispatch/api"
	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/internal/task-dispatch/directory"
	"task-dispatch-service/internal/task-dispatch/events"
	dispatchkafka "task-dispatch-service/internal/task-dispatch/kafka"
	"task-dispatch-service/internal/task-dispatch/metrics"
	"task-dispatch-service/internal/task-dispatch/mqtt"
	"task-dispatch-service/internal/task-dispatch/scheduling"
	"task-dispatch-service/internal/task-dispatch/services"
	pkgdb "task-dispatch-service/pkg/db"
)

type App struct {
	Env      *config.Env
	Log      zerolog.Logger
	DB       *gorm.DB
	Registry *prometheus.Registry
	Bus      *events.Bus
	Sinks    *events.Fanout
	Engine   *scheduling.Engine
	Service  *services.DispatchService
	Sweeper  *services.SweeperService
	Consumer *services.StatusConsumer
	Server   *server.Hertz

	stopWatch func()
}

// OpenDB connects to the configured database with gorm logging routed
// through log.
func OpenDB(env *config.Env, log zerolog.Logger) (*gorm.DB, error) {
	gormLog := log.With().Str("component", "gorm").Logger()
	return pkgdb.NewGormDB(pkgdb.Options{
		Type:          env.Type,
		DSN:           env.DSN,
		SlowThreshold: env.SlowThreshold,
		Log:           &gormLog,
	})
}

func Migrate(gormDB *gorm.DB) error {
	return pkgdb.AutoMigrate(gormDB, append(db.Models(), directory.Models()...)...)
}

// NewSinkRegistry registers every event sink kind. Connections are only
// opened for the kinds that are built.
func NewSinkRegistry(env *config.Env, bus *events.Bus, log zerolog.Logger) *events.Registry {
	reg := events.NewRegistry()
	reg.Register(events.SinkMemory, func() (events.Publisher, error) { return bus, nil })
	reg.Register(events.SinkKafka, func() (events.Publisher, error) {
		sinkLog := log.With().Str("sink", events.SinkKafka).Logger()
		w := dispatchkafka.NewWriter(env.KafkaBrokers, env.KafkaEventTopic, sinkLog)
		return dispatchkafka.NewPublisher(w, sinkLog), nil
	})
	reg.Register(events.SinkMQTT, func() (events.Publisher, error) {
		cfg := mqtt.Config{
			Broker:      env.MQTTBroker,
			ClientID:    env.MQTTClientID,
			Username:    env.MQTTUsername,
			Password:    env.MQTTPassword,
			TopicPrefix: env.MQTTTopicPrefix,
			QoS:         byte(env.MQTTQoS),
			AckTimeout:  env.MQTTAckTimeout,
		}
		client, err := mqtt.Connect(cfg)
		if err != nil {
			return nil, err
		}
		return mqtt.NewPublisher(client, cfg, log.With().Str("sink", events.SinkMQTT).Logger()), nil
	})
	return reg
}

// New builds the application. The caller owns Close.
func New(env *config.Env, log zerolog.Logger) (*App, error) {
	a := &App{Env: env, Log: log, Registry: prometheus.NewRegistry()}
	built := false
	defer func() {
		if !built {
			_ = a.Close()
		}
	}()

	var err error
	if a.DB, err = OpenDB(env, log); err != nil {
		return nil, err
	}
	if err = Migrate(a.DB); err != nil {
		return nil, err
	}

	policy, err := config.LoadPolicy(env.PolicyFile)
	if err != nil {
		return nil, err
	}

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewPromRecorder(a.Registry)
	if err != nil {
		return nil, err
	}

	a.Bus = events.NewBus(env.BusBuffer)
	if a.Sinks, err = NewSinkRegistry(env, a.Bus, log).Build(env.Sinks); err != nil {
		return nil, fmt.Errorf("failed to build event sinks: %w", err)
	}

	repo := db.NewTaskRepository(a.DB)
	dir := directory.NewGormDirectory(a.DB)
	a.Engine = scheduling.NewEngine(dir, dir, repo, policy)
	a.Engine.Observer = recorder

	a.Service = services.NewDispatchService(repo, a.Engine, dir, a.Sinks, log.With().Str("component", "dispatch").Logger())
	a.Service.Metrics = recorder
	if env.ComplianceURL != "" {
		compliance, err := directory.NewHTTPComplianceProvider(env.ComplianceURL, env.ComplianceTimeout)
		if err != nil {
			return nil, err
		}
		a.Service.Compliance = compliance
	}

	if env.Sweeper {
		a.Sweeper, err = services.NewSweeperService(repo, a.Service, services.SweeperConfig{
			Interval:  env.SweeperInterval,
			Horizon:   env.SweeperHorizon,
			BatchSize: env.SweeperBatchSize,
		}, log)
		if err != nil {
			return nil, err
		}
	}
	if env.StatusConsumer {
		reader := dispatchkafka.NewReader(env.KafkaBrokers, env.StatusTopic, env.StatusGroupID, log)
		if a.Consumer, err = services.NewStatusConsumer(reader, a.Service, log); err != nil {
			_ = reader.Close()
			return nil, err
		}
		a.Consumer.Metrics = recorder
	}

	hlog.SetOutput(log.With().Str("component", "hertz").Logger())
	a.Server = server.Default(server.WithHostPorts(env.HTTPAddr), server.WithExitWaitTime(5*time.Second))
	api.RegisterOps(a.Server, a.Registry)
	api.NewHandler(a.Service, services.NewTemplateService(repo), log).Register(a.Server.Group("/api/v1"))
	built = true
	return a, nil
}

// Run starts the workers and serves HTTP until ctx is canceled. Signal
// handling belongs to the caller.
func (a *App) Run(ctx context.Context) error {
	if a.Env.PolicyFile != "" {
		stop, err := config.WatchPolicy(a.Env.PolicyFile, a.Engine, a.Log)
		if err != nil {
			a.Log.Warn().Err(err).Msg("policy hot reload disabled")
		} else {
			a.stopWatch = stop
		}
	}
	if a.Sweeper != nil {
		if err := a.Sweeper.Start(ctx); err != nil {
			return err
		}
	}
	if a.Consumer != nil {
		go a.Consumer.Run(ctx)
	}
	go a.logEvents(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			a.Log.Error().Err(err).Msg("hertz server shutdown error")
		}
	}()

	a.Log.Info().Str("addr", a.Env.HTTPAddr).Strs("sinks", a.Env.Sinks).Msg("task dispatcher serving")
	if err := a.Server.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("hertz server stopped: %w", err)
	}
	a.Log.Info().Msg("task dispatcher stopped")
	return nil
}

// logEvents mirrors the in-process bus into the debug log.
func (a *App) logEvents(ctx context.Context) {
	sub := a.Bus.Subscribe()
	defer a.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			a.Log.Debug().Str("event_id", e.ID).Str("type", string(e.Type)).Str("tenant_id", e.TenantID).
				Str("task_id", e.Payload.TaskID).Msg("task event")
		}
	}
}

func (a *App) Close() error {
	var errs []error
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.Consumer != nil {
		errs = append(errs, a.Consumer.Close())
	}
	if a.Sinks != nil {
		errs = append(errs, a.Sinks.Close())
	}
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	if a.DB != nil {
		errs = append(errs, pkgdb.Close(a.DB))
	}
	return errors.Join(errs...)
}
