// Command persona-engine serves the adaptive deception control API used by
// the SSH and web decoys.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"personashift/pkg/deception"
	"personashift/pkg/gateway"
	"personashift/pkg/heuristic"
	"personashift/pkg/metrics"
	otelobs "personashift/pkg/observability/otel"
	"personashift/pkg/oracle"
	"personashift/pkg/persona"
	"personashift/pkg/ratelimit"
	"personashift/pkg/sessionlog"
	"personashift/pkg/strategy"
	"personashift/services/persona-engine/internal/server"
	"personashift/shared/config"
	"personashift/shared/eventbus"
	"personashift/shared/ledger"
	"personashift/shared/logging"
)

const serviceName = "persona-engine"

var configPath string

var rootCmd = &cobra.Command{
	Use:          "persona-engine",
	Short:        "Adaptive deception persona engine",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the deception control API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject> <role>...",
	Short: "Issue a bearer token for the control API",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		tok, err := gateway.NewAuthMiddleware(gateway.AuthConfig{JWTSecret: []byte(cfg.Server.JWTSecret)}).GenerateJWT(args[0], args[1:])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, tokenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logging.Configure(cfg.Log.Level, cfg.Log.Encoding); err != nil {
		return err
	}
	defer logging.Sync()
	log := logging.L().With(zap.String("service", serviceName))

	shutdownTracer, err := otelobs.InitTracer(ctx, serviceName, log)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
		shutdownTracer = func(context.Context) error { return nil }
	}

	catalog, err := persona.Load(cfg.Deception.PersonaFile)
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}

	var store strategy.Store
	if st, err := strategy.Open(ctx, cfg.Store, log); err != nil {
		log.Warn("strategy store unavailable, learned bias disabled", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	} else {
		store = st
		defer store.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bus := eventbus.NewBus(1024)
	bus.Register(deception.NewLedgerRecorder(ledger.NewWriter(cfg.Server.LedgerPath, serviceName), log))

	engineCfg, err := deception.FromConfig(cfg.Deception, cfg.Oracle.Timeout)
	if err != nil {
		return err
	}
	orc := oracle.FromConfig(cfg.Oracle, cfg.Deception.ContextSize, log)
	opts := []deception.Option{
		deception.WithOracle(orc),
		deception.WithClassifier(heuristic.Default()),
		deception.WithPublisher(bus),
		deception.WithMetrics(metrics.NewDeception(reg)),
		deception.WithLogger(log),
	}
	if store != nil {
		opts = append(opts, deception.WithStore(store))
	}
	engine, err := deception.New(engineCfg, catalog, opts...)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Manager: deception.NewManager(engine),
		Store:   store,
		Writer:  sessionlog.NewWriter(cfg.Server.SessionLogsDir),
		Auth: gateway.NewAuthMiddleware(gateway.AuthConfig{
			JWTSecret:   []byte(cfg.Server.JWTSecret),
			BypassPaths: []string{"/healthz", "/metrics"},
		}),
		Registry: reg,
		Oracle:   orc,
		Limiter:  ratelimit.New(cfg.Server.RateLimit, cfg.Server.RateWindow),
		Logger:   log,
	})
	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("persona-engine listening", zap.String("addr", cfg.Server.Addr), zap.Int("personas", catalog.Len()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return srv.Reap(gctx, cfg.Server.IdleTimeout) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(sctx)
		srv.Drain(sctx)
		bus.Close()
		if terr := shutdownTracer(sctx); terr != nil {
			log.Warn("tracer shutdown", zap.Error(terr))
		}
		log.Info("persona-engine stopped")
		return err
	})
	return g.Wait()
}
