package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shellgate/shellgate/internal/bridge"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/gateway"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/metrics"
	"github.com/shellgate/shellgate/internal/monitor"
	"github.com/shellgate/shellgate/internal/session"
	"github.com/shellgate/shellgate/internal/sshconn"
	"github.com/shellgate/shellgate/internal/transfer"
)

func main() {
	if err := config.Load(); err != nil {
		// The structured logger is not up yet.
		stdlog.Fatalf("config: %v", err)
	}

	log := logging.Init("shellgate", config.Cfg.LogPath, config.Cfg.LogLevel)
	metrics.Register()

	collector := monitor.NewNopCollector(log)
	sessions := session.NewManager(collector, log)
	sessions.IdleTimeout = config.Duration(config.Cfg.SessionIdleTimeout, session.DefaultIdleTimeout)

	b, err := bridge.New(log, config.Cfg.PauseThresholdBytes, config.Cfg.ResumeThresholdBytes)
	if err != nil {
		log.Fatal().Err(err).Msg("bridge config")
	}

	reassembler := transfer.NewReassembler(
		config.Duration(config.Cfg.TransferStaleAfter, transfer.DefaultStaleAfter), log)

	g := gateway.New(sessions, b, reassembler, collector, sshconn.NewConnector(log), log, gateway.Options{
		ReadyTimeout: config.Duration(config.Cfg.SSHReadyTimeout, sshconn.DefaultReadyTimeout),
		OuterTimeout: config.Duration(config.Cfg.SSHOuterTimeout, sshconn.DefaultOuterTimeout),
	})

	sched := cron.New()
	if _, err := sched.AddFunc("@every 1m", g.Maintenance); err != nil {
		log.Fatal().Err(err).Msg("schedule maintenance")
	}
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr:              config.Cfg.ListenAddr,
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", config.Cfg.ListenAddr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	g.Shutdown()
	log.Info().Msg("bye")
}
