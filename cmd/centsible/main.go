package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mossfell/centsible/internal/config"
	"github.com/mossfell/centsible/internal/database"
	"github.com/mossfell/centsible/internal/logging"
	"github.com/mossfell/centsible/internal/push"
	"github.com/mossfell/centsible/internal/server"
	"github.com/mossfell/centsible/internal/websocket"
)

func main() {
	genKeys := flag.Bool("genkeys", false, "generate a VAPID key pair and exit")
	flag.Parse()

	if *genKeys {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate VAPID keys: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("CENTSIBLE_VAPID_PUBLIC_KEY=%s\n", pub)
		fmt.Printf("CENTSIBLE_VAPID_PRIVATE_KEY=%s\n", priv)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Error("load timezone", "timezone", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	srv := server.New(db, cfg, loc, logger)

	if !cfg.Push.Enabled() {
		logger.Warn("VAPID keys not configured, push delivery disabled (run with -genkeys to create a pair)")
	}

	// In-process schedule. Deployments with an external cron service can
	// disable this and hit the internal trigger endpoints instead.
	var sched *cron.Cron
	if cfg.InternalCron {
		sched = cron.New(cron.WithLocation(loc))

		if trigger := srv.Trigger(); trigger != nil {
			runTrigger := func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				defer cancel()
				summary, err := trigger.Run(ctx)
				if err != nil {
					logger.Error("scheduled notification run", "error", err)
					return
				}
				logger.Info("scheduled notification run complete",
					"run_id", summary.RunID,
					"slot", summary.Slot,
					"sent", summary.Sent,
					"failed", summary.Failed,
				)
				srv.Hub().Broadcast(websocket.RunMessage(summary.RunID, summary.Sent, summary.Failed))
			}
			sched.AddFunc("0 8 * * *", runTrigger)
			sched.AddFunc("0 19 * * *", runTrigger)
		}

		sched.AddFunc("30 3 * * *", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if _, err := srv.Archiver().Run(ctx); err != nil {
				logger.Error("notification log archival", "error", err)
			}
			if n, err := srv.SessionStore().DeleteExpired(); err != nil {
				logger.Error("session cleanup", "error", err)
			} else if n > 0 {
				logger.Info("expired sessions removed", "count", n)
			}
			srv.RateLimiter().Cleanup()
		})

		sched.Start()
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("centsible notifier listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if sched != nil {
		<-sched.Stop().Done()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
