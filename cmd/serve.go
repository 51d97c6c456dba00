package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Siddhant-K-code/topicshift/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the topic-shift HTTP service",
	Long: `Serve the host-facing HTTP API.

Endpoints:
  POST /v1/events/message     classify one message and rotate when needed
                              (?async=true answers 202 and classifies in the background)
  POST /v1/context/prepend    fetch a pending clarification prompt
  GET  /v1/events/pending     drain queued handoff events for a session
  GET  /v1/sessions/state     inspect tracked state for a session
  POST /v1/sessions/forget    drop tracked state for a session
  GET  /v1/rotations          list audited rotations
  GET  /metrics               Prometheus metrics
  GET  /healthz               liveness

A rotation holds the session until the registry lock is acquired, so hosts
on a latency-sensitive reply path should post with ?async=true.

Classifier and signal settings are reloaded when the config file changes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default :8787)")
	serveCmd.Flags().Bool("dry-run", false, "classify and log rotations without writing the registry")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("rotation.dry_run", serveCmd.Flags().Lookup("dry-run"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := newRuntime(ctx, runtimeOptions{registry: reg})
	if err != nil {
		return err
	}
	rt.Start()

	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			if err := rt.reload(); err != nil {
				logger.Warn("topic-shift reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			logger.Info("topic-shift reload", zap.String("file", e.Name))
		})
		viper.WatchConfig()
	}

	api := &EngineAPI{engine: rt.engine, outbox: rt.outbox, gatherer: reg}
	if rt.audit != nil {
		api.audit = rt.audit
	}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux, traced)

	srv := &http.Server{
		Addr:              viper.GetString("server.addr"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("topic-shift serving", zap.String("addr", srv.Addr), zap.Bool("dry_run", viper.GetBool("rotation.dry_run")))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := shutdownContext()
		defer cancel()
		return srv.Shutdown(sctx)
	})
	serveErr := g.Wait()
	api.Wait()

	cctx, cancel := shutdownContext()
	defer cancel()
	return errors.Join(serveErr, rt.Close(cctx))
}

// traced wraps a handler in a server span and a debug access log line.
func traced(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.Tracer().Start(r.Context(), "http "+route)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r.WithContext(ctx))

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", rec.status),
		)
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		logger.Debug("http request",
			zap.String("route", route),
			zap.String("method", r.Method),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
		)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
