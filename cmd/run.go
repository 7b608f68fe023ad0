package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shade-cli/api/schemas"
	"github.com/xkilldash9x/shade-cli/internal/observability"
)

var (
	runPurpose   string
	runOnce      bool
	runWaitUntil string
)

var runCmd = &cobra.Command{
	Use:   "run [urls...]",
	Short: "Drive paced, human-like visits across the given URLs",
	Long: `run launches the browser under the active identity and walks the given
URLs in order, pacing every request through the adaptive scheduler. Without
--once it keeps cycling until interrupted; session state is saved as it goes
and once more on shutdown.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEngine,
}

func init() {
	runCmd.Flags().StringVarP(&runPurpose, "purpose", "p", "", "profile purpose, e.g. \"research\" (required)")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "visit each URL once and exit")
	runCmd.Flags().StringVar(&runWaitUntil, "wait-until", "", "readiness condition: load or networkidle")
	_ = runCmd.MarkFlagRequired("purpose")
}

func runEngine(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	components, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	if components.Metrics != nil {
		go func() {
			if err := components.Metrics.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Warn("Metrics endpoint failed.", zap.Error(err))
			}
		}()
	}

	eng := components.Engine
	if err := eng.Initialize(ctx, runPurpose); err != nil {
		return err
	}

	opts := schemas.NavigateOptions{WaitUntil: runWaitUntil}
	for round := 1; ; round++ {
		for _, target := range args {
			if ctx.Err() != nil {
				logger.Info("Shutdown requested, stopping navigation loop.")
				return nil
			}

			result, err := eng.Navigate(ctx, target, opts)
			switch {
			case err != nil && ctx.Err() != nil:
				logger.Info("Shutdown requested, stopping navigation loop.")
				return nil
			case err != nil:
				// The engine has already recorded the incident and adjusted
				// pacing; the loop presses on.
				logger.Warn("Navigation failed.", zap.String("url", target), zap.Error(err))
			case result.Blocked:
				logger.Warn("Navigation blocked.",
					zap.String("url", target),
					zap.Int("status", result.Status),
				)
			default:
				logger.Info("Navigation complete.",
					zap.String("url", result.FinalURL),
					zap.Int("status", result.Status),
					zap.Duration("load_time", result.LoadTime),
				)
			}
		}
		if runOnce {
			break
		}
		logger.Debug("Round complete, starting the next pass.", zap.Int("round", round))
	}

	status := eng.GetStatus()
	logger.Info("Run finished.",
		zap.Int64("navigations", status.Navigations),
		zap.Int("incidents_in_window", status.Detection.IncidentsInWindow),
		zap.String("grade", status.Performance.Grade),
	)
	return nil
}
