package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/arazzo-runner/internal/config"
	"github.com/ronappleton/arazzo-runner/internal/engine"
	"github.com/ronappleton/arazzo-runner/internal/events"
	"github.com/ronappleton/arazzo-runner/internal/logging"
	"github.com/ronappleton/arazzo-runner/internal/otel"
	"github.com/ronappleton/arazzo-runner/internal/policy"
	"github.com/ronappleton/arazzo-runner/internal/retry"
	"github.com/ronappleton/arazzo-runner/internal/secrets"
	"github.com/ronappleton/arazzo-runner/internal/store"
)

// runtime is the assembled execution stack behind execute, start, and
// resume.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	store  store.Store
	engine *engine.Engine
	bus    *events.Bus

	app *fx.App
}

// buildRuntime assembles the runner the way the service entrypoint does:
// config feeds logging, store, policy, secrets, and the engine through fx,
// with lifecycle hooks closing the pool and flushing telemetry on stop.
func (a *app) buildRuntime(ctx context.Context, requireDB bool) (*runtime, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, runtimeErr(err)
	}

	rt := &runtime{cfg: cfg}
	rt.app = fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		logging.Module(),
		engine.Module(),
		fx.Provide(
			func(lc fx.Lifecycle, cfg config.Config) (store.Store, error) {
				if cfg.DatabaseURL == "" {
					if requireDB {
						return nil, errors.New("no database URL configured (use --store, ARAZZO_DATABASE_URL, or DATABASE_URL)")
					}
					return store.NewMemoryStore(), nil
				}
				pg, err := store.NewPGStore(ctx, cfg.DatabaseURL)
				if err != nil {
					return nil, fmt.Errorf("database connection failed to %s: %w", redactURLPassword(cfg.DatabaseURL), err)
				}
				lc.Append(fx.Hook{OnStop: func(context.Context) error { return pg.Close() }})
				return pg, nil
			},
			func(cfg config.Config) *policy.Enforcer { return policy.New(cfg.Policy) },
			func() *secrets.Resolver { return secrets.NewResolver() },
			func(cfg config.Config) retry.Config { return cfg.Retry },
			func(cfg config.Config) engine.Config { return cfg.Engine },
			func(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) *events.Bus {
				var sinks []events.Sink
				if cfg.Events.Stdout {
					sinks = append(sinks, events.NewStdoutSink(os.Stdout))
				}
				if cfg.Events.WebhookURL != "" {
					sinks = append(sinks, events.NewWebhookSink(cfg.Events.WebhookURL, nil))
				}
				if cfg.Events.CollectorURL != "" {
					col := events.NewCollectorSink(cfg.Events.CollectorURL, cfg.Events.CollectorToken, nil)
					sinks = append(sinks, col)
					// Stop hooks run last-appended first, so the bus drains
					// into the collector before the final flush.
					lc.Append(fx.Hook{OnStop: col.Flush})
				}
				bus := events.NewBus(logger, sinks...)
				lc.Append(fx.Hook{OnStop: func(context.Context) error { bus.Close(); return nil }})
				return bus
			},
		),
		fx.Invoke(func(e *engine.Engine, bus *events.Bus) { e.SetNotifier(bus.Publish) }),
		fx.Invoke(func(lc fx.Lifecycle, cfg config.Config) error {
			if !cfg.Telemetry.Enabled {
				return nil
			}
			shutdown, err := otel.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
			if err != nil {
				return err
			}
			lc.Append(fx.Hook{OnStop: shutdown})
			return nil
		}),
		fx.Populate(&rt.logger, &rt.store, &rt.engine, &rt.bus),
	)
	if err := rt.app.Start(ctx); err != nil {
		return nil, runtimeErr(err)
	}
	return rt, nil
}

func (rt *runtime) close() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.app.Stop(stopCtx); err != nil {
		rt.logger.Warn("shutdown", zap.Error(err))
	}
}
