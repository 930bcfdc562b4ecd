package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/broadcast"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/config"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/linkpreview"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/prompt"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/server"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/stats"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/supervisor"
	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/env"
	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/log"
	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/whatsapp"
)

const statsRetentionDays = 30

func main() {
	logger := log.Print("main")

	log.SetErrorLogPath(env.GetEnvStringOrDefault("ERROR_LOG_PATH", "errors.log"))

	pidPath := env.GetEnvStringOrDefault("PID_FILE", "bot.pid")
	if err := takeoverPIDFile(pidPath); err != nil {
		logger.WithError(err).Fatal("Could not claim PID file")
	}
	defer os.Remove(pidPath)

	manager, err := config.NewManager(env.GetEnvStringOrDefault("CONFIG_PATH", "config.json"))
	if err != nil {
		logger.WithError(err).Fatal("Could not load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := manager.Watch(ctx, func(config.Config) {
			logger.Info("Configuration reloaded from disk")
		}); err != nil {
			logger.WithError(err).Warn("Config file watcher unavailable")
		}
	}()

	store, err := stats.NewStore(env.GetEnvStringOrDefault("STATISTICS_PATH", "statistics.json"))
	if err != nil {
		logger.WithError(err).Fatal("Could not open statistics store")
	}
	metrics := stats.NewSession()

	session, err := whatsapp.NewSession(ctx, manager.Snapshot().WAVersion)
	if err != nil {
		logger.WithError(err).Fatal("Could not initialize WhatsApp session")
	}

	cache := broadcast.NewGroupCache(func() []string {
		return manager.Snapshot().GroupNameKeywords
	})
	pool := broadcast.NewPool()
	deriver := linkpreview.NewDeriver(func() config.ImageAspect {
		return manager.Snapshot().ImageAspect
	})
	rewrite := func(text, groupName string) string {
		return linkpreview.RewriteTrackingLinks(text, groupName, manager.Snapshot().LinkTrackingDomains)
	}

	dispatcher := broadcast.NewDispatcher(pool, cache, session, deriver, manager.Snapshot, metrics, rewrite,
		broadcast.WithSendFloor(env.GetEnvDurationOrDefault("SEND_FLOOR_INTERVAL", time.Second)))
	classifier := broadcast.NewClassifier(pool, dispatcher, session, manager.Snapshot, metrics, store)

	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
	), cron.WithSeconds())

	if _, err := c.AddFunc("0 30 3 * * *", func() {
		if !manager.Snapshot().GroupStatistics {
			return
		}
		if err := store.PruneOlderThan(statsRetentionDays); err != nil {
			logger.WithError(err).Warn("Could not prune old statistics")
		}
	}); err != nil {
		logger.WithError(err).Fatal("Could not schedule statistics pruning")
	}

	if _, err := c.AddFunc("0 0 */6 * * *", func() {
		refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
		defer refreshCancel()
		version, refreshed, err := whatsapp.RefreshVersion(refreshCtx, false)
		if err != nil {
			logger.WithError(err).Warn("Could not refresh WhatsApp Web version")
			return
		}
		if refreshed {
			if changed, err := manager.SetWAVersion(version); err != nil {
				logger.WithError(err).Warn("Could not persist WhatsApp Web version")
			} else if changed {
				logger.Info("WhatsApp Web version updated in configuration")
			}
		}
	}); err != nil {
		logger.WithError(err).Fatal("Could not schedule version refresh")
	}

	c.Start()

	var monitor *server.Server
	if env.GetEnvBoolOrDefault("SERVER_ENABLED", false) {
		monitor = server.New(session, pool, cache, dispatcher, metrics, store)
		address := env.GetEnvStringOrDefault("SERVER_ADDRESS", "0.0.0.0") + ":" +
			env.GetEnvStringOrDefault("SERVER_PORT", "7001")
		go func() {
			if err := monitor.Listen(address); err != nil {
				logger.WithError(err).Error("Monitoring server stopped")
			}
		}()
	}

	sup := supervisor.New(session, manager, cache, pool, dispatcher, classifier, store, metrics)
	supDone := make(chan error, 1)
	go func() {
		supDone <- sup.Run(ctx)
	}()

	console := prompt.New(manager, store, metrics, pool, cache, dispatcher, cancel)
	go console.Run(ctx)

	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigShutdown:
		logger.Info("Received " + sig.String() + ", shutting down")
		cancel()
		<-supDone
	case err := <-supDone:
		if err != nil && ctx.Err() == nil {
			log.PersistError(err.Error())
			logger.WithError(err).Error("Supervisor stopped")
		}
		cancel()
	}

	if monitor != nil {
		if err := monitor.Shutdown(); err != nil {
			logger.WithError(err).Warn("Could not shut down monitoring server")
		}
	}
	c.Stop()
	session.Disconnect()
}

// takeoverPIDFile stops a previously running instance, if any, and claims
// the PID file for this one. Two instances sharing one session would fight
// over the socket.
func takeoverPIDFile(path string) error {
	if raw, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && pid > 0 && pid != os.Getpid() {
			if proc, err := os.FindProcess(pid); err == nil {
				if proc.Signal(syscall.SIGTERM) == nil {
					log.Print("main").Warn("Stopped previous instance with PID " + strconv.Itoa(pid))
					time.Sleep(2 * time.Second)
				}
			}
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
