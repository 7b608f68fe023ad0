package cmd

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shade-cli/internal/browser"
	"github.com/xkilldash9x/shade-cli/internal/config"
	"github.com/xkilldash9x/shade-cli/internal/engine"
	"github.com/xkilldash9x/shade-cli/internal/identity"
	"github.com/xkilldash9x/shade-cli/internal/monitor"
	"github.com/xkilldash9x/shade-cli/internal/observability"
	"github.com/xkilldash9x/shade-cli/internal/profile"
	"github.com/xkilldash9x/shade-cli/internal/schedule"
)

// Components holds the initialized services behind one engine run.
// This struct centralizes the lifecycle of run-related dependencies.
type Components struct {
	Engine  *engine.StealthEngine
	Metrics *observability.Metrics
}

// Shutdown gracefully releases every component. The engine close already
// covers the browser, the final session save, and background work.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning component shutdown sequence.")

	if c.Engine != nil {
		if err := c.Engine.Close(); err != nil {
			logger.Warn("Error during engine shutdown.", zap.Error(err))
		} else {
			logger.Debug("Engine closed.")
		}
	}
	// The metrics endpoint stops with the command context; nothing to do here.

	logger.Info("All components shut down.")
}

// buildComponents handles the full dependency injection for one engine
// instance. Nothing global: every collaborator is constructed here and
// handed over explicitly.
func buildComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	components := &Components{}

	// 1. Shared randomness. A fixed seed reproduces scheduling jitter and
	// behavior simulation exactly.
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	logger.Debug("Random source initialized.", zap.Int64("seed", seed))

	// 2. Clock. Components share one so their views of time never diverge.
	clk := clock.New()

	// 3. Identity pool.
	identities, err := identity.New(cfg.Identity.UserAgents, cfg.Identity.RotationInterval, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize identity pool: %w", err)
	}
	logger.Debug("Identity pool initialized.", zap.Int("size", identities.PoolSize()))

	// 4. Profile store.
	profiles, err := profile.New(cfg.Profiles.Dir, cfg.Profiles.SessionTimeout, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize profile store: %w", err)
	}
	logger.Debug("Profile store initialized.", zap.String("dir", cfg.Profiles.Dir))

	// 5. Adaptive scheduler.
	scheduler := schedule.New(cfg.Scheduler, clk, rng, logger)
	logger.Debug("Scheduler initialized.")

	// 6. Monitors.
	detection := monitor.NewDetection(cfg.Detection, clk, logger)
	performance := monitor.NewPerformance(cfg.Performance, clk, logger)
	logger.Debug("Monitors initialized.")

	// 7. Metrics sink. Left nil when the endpoint is disabled; a nil sink
	// drops every observation.
	if cfg.Metrics.Enabled {
		components.Metrics = observability.NewMetrics()
		logger.Debug("Metrics registry initialized.")
	}

	// 8. Browser driver factory.
	newDriver := browser.NewFactory(cfg.Browser, logger)
	logger.Debug("Browser driver factory initialized.")

	// 9. The engine itself.
	eng, err := engine.New(engine.Config{
		SaveEvery:     cfg.Profiles.SaveEvery,
		ProfileMaxAge: cfg.Profiles.MaxAge,
		Behavior:      cfg.Behavior,
	}, logger, engine.Deps{
		Identity:    identities,
		Profiles:    profiles,
		Scheduler:   scheduler,
		Detection:   detection,
		Performance: performance,
		NewDriver:   newDriver,
		Clock:       clk,
		Rand:        rng,
		Metrics:     components.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	components.Engine = eng

	logger.Info("All components initialized successfully.")
	return components, nil
}
