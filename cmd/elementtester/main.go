// elementtester is the bench CLI for the element test station. It runs the
// full test flow (withstand test, then resistance measurement), individual
// stages for maintenance, and a relay self test.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jtellisfry/ElementTesterV2/internal/config"
	"github.com/jtellisfry/ElementTesterV2/internal/runner"
)

var (
	flagConfig   string
	flagSimulate bool
	flagVerbose  bool

	flagWorkOrder  string
	flagPartNumber string
	flagVoltage    int
	flagWattage    int
	flagLimit      int
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "elementtester",
		Short:         "Heating element test station",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "bench.yaml", "bench configuration file")
	root.PersistentFlags().BoolVar(&flagSimulate, "simulate", false, "use simulated hardware")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(runCmd(), hipotCmd(), measureCmd(), selftestCmd(), historyCmd())
	return root
}

func setup() (*runner.Runner, *zap.Logger, error) {
	log, err := buildLogger()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, err
	}
	return runner.New(cfg, log), log, nil
}

func buildLogger() (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM so an
// interrupted run still opens the relays and resets the tester.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func ratingFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flagVoltage, "voltage", 0, "rated line voltage")
	cmd.Flags().IntVar(&flagWattage, "wattage", 0, "rated wattage")
	cmd.MarkFlagRequired("voltage")
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full test flow and record a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, cancel := signalContext()
			defer cancel()

			out, err := r.Run(ctx, runner.Job{
				WorkOrder:  flagWorkOrder,
				PartNumber: flagPartNumber,
				Voltage:    flagVoltage,
				Wattage:    flagWattage,
				Simulate:   flagSimulate,
			})
			if err != nil {
				return err
			}
			fmt.Printf("session %s\n", out.SessionID)
			fmt.Printf("  hipot:       %s\n", verdict(out.HipotPassed))
			fmt.Printf("  measurement: %s\n", verdict(out.MeasurePassed))
			for _, p := range out.Points {
				fmt.Printf("    %-12s %s\n", p.Position, pointLine(p.Ohms, p.Overload, p.Pass))
			}
			fmt.Printf("  overall:     %s\n", verdict(out.Passed()))
			if !out.Passed() {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagWorkOrder, "work-order", "", "work order number")
	cmd.Flags().StringVar(&flagPartNumber, "part-number", "", "part number")
	cmd.MarkFlagRequired("work-order")
	cmd.MarkFlagRequired("part-number")
	ratingFlags(cmd)
	cmd.MarkFlagRequired("wattage")
	return cmd
}

func hipotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hipot",
		Short: "Run only the withstand test",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, cancel := signalContext()
			defer cancel()

			res, err := r.RunHipot(ctx, flagVoltage, flagSimulate)
			if err != nil {
				return err
			}
			fmt.Printf("file %d: %s (%s)\n", res.FileIndex, verdict(res.Passed), res.Raw)
			if !res.Passed {
				os.Exit(1)
			}
			return nil
		},
	}
	ratingFlags(cmd)
	return cmd
}

func measureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "measure",
		Short: "Run only the resistance measurement walk",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, cancel := signalContext()
			defer cancel()

			res, err := r.RunMeasure(ctx, flagVoltage, flagWattage, flagSimulate)
			if err != nil {
				return err
			}
			fmt.Printf("window %s\n", res.Range)
			for _, p := range res.Points {
				fmt.Printf("  %-12s %s\n", p.Position, pointLine(p.Ohms, p.Overload, p.Pass))
			}
			fmt.Println(verdict(res.Passed()))
			if !res.Passed() {
				os.Exit(1)
			}
			return nil
		},
	}
	ratingFlags(cmd)
	cmd.MarkFlagRequired("wattage")
	return cmd
}

func selftestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Cycle every relay and verify readback",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, cancel := signalContext()
			defer cancel()

			if err := r.SelfTest(ctx, flagSimulate); err != nil {
				return err
			}
			fmt.Println("relay self test passed")
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent test sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			sums, err := r.History(context.Background(), flagLimit)
			if err != nil {
				return err
			}
			for _, s := range sums {
				state := "incomplete"
				if s.Passed.Valid {
					state = verdict(s.Passed.Bool)
				}
				fmt.Printf("%s  %-12s %-12s %s  attempts=%d  %s\n",
					s.StartedAt.Format("2006-01-02 15:04"),
					s.WorkOrder, s.PartNumber, state, s.Attempts, s.SessionID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "number of sessions to list")
	return cmd
}

func verdict(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

func pointLine(ohms float64, overload, pass bool) string {
	if overload {
		return "OL          " + verdict(false)
	}
	return fmt.Sprintf("%8.3f ohm %s", ohms, verdict(pass))
}
