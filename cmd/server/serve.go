package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/tutorcall/internal/adapters/http"
	"github.com/dkeye/tutorcall/internal/adapters/rtc"
	wssignal "github.com/dkeye/tutorcall/internal/adapters/signal"
	"github.com/dkeye/tutorcall/internal/app"
	"github.com/dkeye/tutorcall/internal/app/calls"
	"github.com/dkeye/tutorcall/internal/app/orch"
	"github.com/dkeye/tutorcall/internal/auth"
	"github.com/dkeye/tutorcall/internal/config"
	"github.com/dkeye/tutorcall/internal/domain"
	"github.com/dkeye/tutorcall/internal/logging"
	"github.com/dkeye/tutorcall/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logFile, err := logging.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logFile.Close()

	m := metrics.New(cfg.Metrics.Namespace)
	var store *calls.Store
	store = calls.NewStore(cfg.Calls.Store(), calls.WithTransitionHook(func(s domain.CallSession) {
		m.Transition(string(s.State))
		m.SetActiveSessions(store.ActiveCount())
	}))

	policy, err := app.NewPolicy(app.PolicyName(cfg.CallPolicy))
	if err != nil {
		return err
	}
	gate, err := auth.NewGate(cfg.Auth)
	if err != nil {
		return err
	}
	iceServers := cfg.WebRTCICEServers()
	if len(iceServers) == 0 {
		iceServers = rtc.DefaultICEServers()
	}
	if err := rtc.CheckICEServers(iceServers); err != nil {
		return err
	}

	o := &orch.Orchestrator{
		Registry:    app.NewRegistry(),
		Calls:       store,
		Policy:      policy,
		Metrics:     m,
		SendTimeout: cfg.Signal.SendTimeout,
	}
	ctl := &wssignal.SignalWSController{
		Orch:    o,
		Gate:    gate,
		Limiter: wssignal.NewCallRateLimiter(cfg.CallRate.Limit, cfg.CallRate.Interval),
		Metrics: m,
		Cfg: wssignal.Config{
			ReadLimit:  cfg.Signal.ReadLimit,
			PingPeriod: cfg.Signal.PingPeriod,
			PongWait:   cfg.Signal.PongWait,
			SendBuffer: cfg.Signal.SendBuffer,
			ICEServers: iceServers,
		},
	}
	sup := &orch.Supervisor{Orch: o, Interval: cfg.Calls.SweepInterval}

	g, gctx := errgroup.WithContext(ctx)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(gctx, cfg, ctl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Str("policy", cfg.CallPolicy).Msg("tutorcall server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
