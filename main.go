package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"perp-engine/config"
	"perp-engine/internal/engine"
	"perp-engine/internal/logging"
)

var (
	flagConfig      string
	flagRunLoop     bool
	flagInterval    int
	flagObserveOnly bool
	flagDaily       bool
	flagWeekly      bool
)

func main() {
	root := &cobra.Command{
		Use:   "perp-engine",
		Short: "Automated perpetual futures signal and position engine",
		RunE:  run,
	}
	root.Flags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config")
	root.Flags().BoolVar(&flagRunLoop, "run-loop", false, "run continuously")
	root.Flags().IntVar(&flagInterval, "interval", 0, "cycle period in seconds (min 10)")
	root.Flags().BoolVar(&flagObserveOnly, "observe-only", false, "evaluate signals but never place orders")
	root.Flags().BoolVar(&flagDaily, "daily-report", false, "print the daily report and exit")
	root.Flags().BoolVar(&flagWeekly, "weekly-report", false, "print the weekly report and exit")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagInterval > 0 {
		cfg.Engine.IntervalSec = flagInterval
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if flagObserveOnly {
		cfg.Engine.ObserveOnly = true
	}

	log := logging.New(cfg.Logging)
	logging.SetGlobal(log)

	eng, err := engine.New(cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	if flagDaily || flagWeekly {
		window := 24 * time.Hour
		title := "Daily report"
		if flagWeekly {
			window = 7 * 24 * time.Hour
			title = "Weekly report"
		}
		lines, err := eng.BuildReport(window)
		if err != nil {
			return err
		}
		fmt.Println(title)
		for _, line := range lines {
			fmt.Println("  " + line)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flagRunLoop {
		log.Info().Int("interval_sec", cfg.Engine.IntervalSec).
			Bool("observe_only", cfg.Engine.ObserveOnly).Msg("engine starting")
		return eng.RunLoop(ctx)
	}
	eng.RunCycle(ctx)
	return nil
}
