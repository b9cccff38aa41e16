// Command persona-learner folds finished session records into the persona
// strategy store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"personashift/pkg/learning"
	"personashift/pkg/metrics"
	otelobs "personashift/pkg/observability/otel"
	"personashift/pkg/persona"
	"personashift/pkg/strategy"
	"personashift/shared/config"
	"personashift/shared/logging"
)

var (
	configPath string
	dirs       []string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "persona-learner",
		Short:        "Offline learner for persona strategy weights",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	run := &cobra.Command{
		Use:   "run",
		Short: "Process new session records and update strategy weights",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer logging.Sync()
			return runLearner(cmd.Context(), cmd.OutOrStdout(), cfg, log)
		},
	}
	run.Flags().StringSliceVar(&dirs, "dir", nil, "session record directories (defaults to learning.logs_dir and learning.legacy_logs_dir)")

	weights := &cobra.Command{
		Use:   "weights",
		Short: "Print the current strategy table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer logging.Sync()
			store, err := strategy.Open(cmd.Context(), cfg.Store, log)
			if err != nil {
				return err
			}
			defer store.Close()
			rows, err := store.ListStrategies(cmd.Context())
			if err != nil {
				return err
			}
			return printWeights(cmd.OutOrStdout(), rows)
		},
	}

	root.AddCommand(run, weights, newMigrateCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate up|down|version",
		Short:     "Manage the SQL strategy schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			dbCfg, ok := strategy.DatabaseConfig(cfg.Store)
			if !ok {
				return fmt.Errorf("store backend %q has no SQL schema", cfg.Store.Backend)
			}
			mm, err := strategy.NewMigrationManager(dbCfg)
			if err != nil {
				return err
			}
			defer mm.Close()

			switch args[0] {
			case "up":
				err = mm.Up()
			case "down":
				err = mm.Down()
			}
			if err != nil {
				return err
			}
			v, dirty, err := mm.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version: %d dirty: %t\n", v, dirty)
			return nil
		},
	}
	return cmd
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := logging.Configure(cfg.Log.Level, cfg.Log.Encoding); err != nil {
		return nil, nil, err
	}
	return cfg, logging.L().With(zap.String("service", "persona-learner")), nil
}

func runLearner(ctx context.Context, out io.Writer, cfg *config.Config, log *zap.Logger) error {
	shutdown, err := otelobs.InitTracer(ctx, "persona-learner", log)
	if err == nil {
		defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()
	}

	attribution, err := learning.ParseAttribution(cfg.Learning.Attribution)
	if err != nil {
		return err
	}
	store, err := strategy.Open(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer store.Close()

	scan := dirs
	if len(scan) == 0 {
		scan = []string{cfg.Learning.LogsDir, cfg.Learning.LegacyLogsDir}
	}
	reg := prometheus.NewRegistry()
	l := learning.New(store, learning.Options{
		Dirs:           scan,
		Smoothing:      strategy.Smoothing{Decay: cfg.Learning.Decay, Alpha: cfg.Learning.Alpha},
		Attribution:    attribution,
		DefaultPersona: firstNonEmpty(cfg.Deception.InitialPersona, persona.DefaultName),
		MaxRetries:     cfg.Learning.MaxRetries,
		Logger:         log,
		Metrics:        metrics.NewLearning(reg),
	})
	sum, err := l.Run(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

func printWeights(out io.Writer, rows []strategy.PersonaStrategy) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PERSONA\tENGAGEMENT\tTHREAT\tUSAGE\tUPDATED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%d\t%s\n", r.Persona, r.EngagementWeight, r.ThreatWeight, r.UsageCount, r.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
