package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/waypoint/pkg/waypoint"
	"github.com/randalmurphal/waypoint/pkg/waypoint/config"
	"github.com/randalmurphal/waypoint/pkg/waypoint/dispatch"
	"github.com/randalmurphal/waypoint/pkg/waypoint/observability"
	"github.com/randalmurphal/waypoint/pkg/waypoint/repository"
	"github.com/randalmurphal/waypoint/pkg/waypoint/session"
	"github.com/randalmurphal/waypoint/pkg/waypoint/stream"
	"github.com/randalmurphal/waypoint/pkg/waypoint/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session API, stall sweeper, and dispatcher",
	Long: `Run the HTTP API for sessions and executor callbacks.

In local dispatch mode stages run in process with a simulated executor,
which is useful for trying the API end to end. In http mode each stage is
POSTed to dispatch.endpoint and executors report back on the callback routes.
The endpoint may route stages to separate executors with ${agent} or ${stage},
for example http://executors/${agent}/steps.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		logger, err := newLogger(s)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, s, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default :8080)")
	serveCmd.Flags().String("dispatch", "", "dispatch mode (local, http)")
	serveCmd.Flags().String("endpoint", "", "executor endpoint for http dispatch")
	serveCmd.Flags().String("callback-url", "", "base URL executors report to")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("dispatch.mode", serveCmd.Flags().Lookup("dispatch"))
	_ = viper.BindPFlag("dispatch.endpoint", serveCmd.Flags().Lookup("endpoint"))
	_ = viper.BindPFlag("dispatch.callback_url", serveCmd.Flags().Lookup("callback-url"))
}

func serve(ctx context.Context, s config.Settings, logger *slog.Logger) error {
	metrics := observability.NewMetricsRecorder()

	repo, err := openRepository(s, repository.Config{Logger: logger})
	if err != nil {
		return err
	}
	defer repo.Close()

	bc := stream.NewBroadcaster(stream.Config{
		BufferSize: s.Stream.BufferSize,
		Logger:     logger,
		Metrics:    metrics,
	})
	defer bc.Close()

	policy := dispatch.Policy{MaxRetries: s.Dispatch.MaxRetries, Delay: s.Dispatch.Delay}
	if s.Dispatch.MaxRetries == 0 {
		policy.MaxRetries = -1
	}

	var (
		mgr        *waypoint.Manager
		dispatcher dispatch.Dispatcher
		local      *dispatch.LocalDispatcher
	)
	switch s.Dispatch.Mode {
	case config.DispatchHTTP:
		if dispatcher, err = newHTTPDispatcher(s, policy, logger); err != nil {
			return err
		}
	default:
		local = dispatch.NewLocalDispatcher(dispatch.LocalConfig{
			Workers: s.Dispatch.Workers,
			Policy:  policy,
			Logger:  logger,
			OnExhausted: func(step dispatch.Step, err error) {
				// The step never reported; fail the session so it can be recovered.
				_, ferr := mgr.FailStage(context.Background(), step.SessionID, step.Agent, err)
				if ferr != nil && !waypoint.IsNoop(ferr) {
					logger.Warn("fail exhausted step", slog.String("session_id", step.SessionID), slog.String("error", ferr.Error()))
				}
			},
		})
		defer local.Close()
		dispatcher = local
	}

	mgr = waypoint.New(repo,
		waypoint.WithDispatcher(dispatcher),
		waypoint.WithBroadcaster(bc),
		waypoint.WithLogger(logger),
		waypoint.WithSpanManager(observability.NewSpanManager()),
		waypoint.WithMetricsRecorder(metrics),
		waypoint.WithCallbackURL(s.Dispatch.CallbackURL),
		waypoint.WithDefaults(session.Config{
			MaxExecutionTime: s.Session.MaxExecutionTime,
			MaxCost:          s.Session.MaxCost,
			MaxRetries:       s.Session.MaxRetries,
			EnableStreaming:  s.Session.EnableStreaming,
			AutoRecover:      s.Session.AutoRecover,
		}),
	)
	if local != nil {
		sim := newSimulator(mgr, logger)
		for _, agent := range session.Agents {
			local.Register(agent, sim.run)
		}
	}

	streamer := stream.NewStreamer(bc, mgr, stream.StreamerConfig{
		HeartbeatInterval: s.Stream.HeartbeatInterval,
		PollInterval:      s.Stream.PollInterval,
		TailSize:          s.Stream.TailSize,
		CloseGrace:        s.Stream.CloseGrace,
	}, logger)
	e := transport.NewServer(transport.NewHandler(mgr, streamer, transport.WithLogger(logger)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", s.Server.Addr),
			slog.String("store", s.Store.Backend), slog.String("dispatch", s.Dispatch.Mode))
		if err := e.Start(s.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Server.ShutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return mgr.RunSweeper(gctx, s.Sweeper.Interval)
	})
	if s.Sweeper.CleanupEnabled {
		g.Go(func() error {
			return runCleanup(gctx, mgr, s.Sweeper.Interval, s.Sweeper.CleanupAfter, logger)
		})
	}

	err = g.Wait()
	logger.Info("shut down")
	return err
}

func runCleanup(ctx context.Context, mgr *waypoint.Manager, interval, olderThan time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := mgr.Cleanup(ctx, olderThan)
			if err != nil && ctx.Err() == nil {
				logger.Warn("cleanup incomplete", slog.Int("deleted", n), slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				logger.Info("expired sessions deleted", slog.Int("deleted", n))
			}
		}
	}
}
