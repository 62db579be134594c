// Command codexbridged runs the AI Runtime Core bridge: it spawns and
// supervises the app-server subprocess, drives it through the Telegram
// chat transport, and serves a loopback status/debug gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/codexbridge/internal/audit"
	"github.com/basket/codexbridge/internal/config"
	"github.com/basket/codexbridge/internal/core"
	"github.com/basket/codexbridge/internal/homeprofile"
	"github.com/basket/codexbridge/internal/logging"
	"github.com/basket/codexbridge/internal/maintenance"
	"github.com/basket/codexbridge/internal/metrics"
	"github.com/basket/codexbridge/internal/statusgateway"
	"github.com/basket/codexbridge/internal/supervisor"
	"github.com/basket/codexbridge/internal/telegram"
	"github.com/basket/codexbridge/internal/tui"
)

func main() {
	startedAt := time.Now()
	tuiFlag := flag.Bool("tui", false, "run the interactive status dashboard instead of plain daemon logging")

	homeDir := os.Getenv("CODEXBRIDGE_HOME")
	if homeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fatalStartup(nil, "E_HOME_DIR", err)
		}
		homeDir = filepath.Join(home, ".codexbridge")
	}

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("CODEXBRIDGE_NO_TTY") == ""
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	profile, err := homeprofile.Ensure(homeDir)
	if err != nil {
		fatalStartup(nil, "E_HOMEPROFILE_INIT", err)
	}

	logger, closer, err := logging.New(profile.LogsDir(), cfg.LogLevel, cfg.Quiet || interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", homeDir)

	telemetryProvider, err := metrics.Init(ctx, metrics.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	defer telemetryProvider.Shutdown(ctx)

	var auditTrail *audit.Trail
	if cfg.AuditDB {
		auditTrail, err = audit.Open(profile.LogsDir())
		if err != nil {
			fatalStartup(logger, "E_AUDIT_INIT", err)
		}
		defer auditTrail.Close()
	}

	sourceHome, err := os.UserHomeDir()
	if err != nil {
		logger.Warn("could not resolve canonical home for credential import", "error", err)
		sourceHome = ""
	}

	tail := supervisor.NewStderrTail(200)
	c, err := core.New(core.Options{
		Bin:                      cfg.CodexBin,
		Profile:                  profile,
		Logger:                   logger,
		RequestTimeout:           cfg.RequestTimeout,
		Tail:                     tail,
		Audit:                    auditTrail,
		SourceHome:               sourceHome,
		InstructionsFallbackOnly: cfg.InstructionsFallbackOnly,
	})
	if err != nil {
		fatalStartup(logger, "E_CORE_INIT", err)
	}
	logger.Info("startup phase", "phase", "core_built")

	if err := c.Connect(ctx); err != nil {
		fatalStartup(logger, "E_CORE_CONNECT", err)
	}
	defer c.Stop()
	logger.Info("startup phase", "phase", "core_connected")

	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go watchOverrides(ctx, c, watcher, profile, logger)
	}

	sched := maintenance.New(maintenance.Dependencies{
		Status:  statusAdapter{c},
		Tail:    tail,
		LogsDir: profile.LogsDir(),
		TmpDir:  profile.TmpDir(),
		Logger:  logger,
	})
	if err := sched.Start(); err != nil {
		logger.Warn("maintenance scheduler failed to start", "error", err)
	} else {
		defer sched.Stop()
	}

	if cfg.Gateway.Enabled {
		gw := statusgateway.New(statusgateway.Config{
			Status:  statusViewAdapter{c},
			Watcher: watchAdapter{c},
			Logger:  logger,
		})
		srv := &http.Server{Addr: cfg.Gateway.Addr, Handler: gw.Handler()}
		go func() {
			logger.Info("status gateway listening", "addr", cfg.Gateway.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("status gateway exited", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if *tuiFlag {
		if !interactive {
			logger.Warn("-tui requested but stdout is not a terminal; ignoring")
		} else {
			go func() {
				provider := tuiSnapshotProvider(c, tail, startedAt)
				if err := tui.Run(ctx, provider); err != nil && err != context.Canceled {
					logger.Warn("tui dashboard exited", "error", err)
				}
			}()
		}
	}

	if cfg.Telegram.Token == "" {
		logger.Warn("no telegram token configured; running with status gateway only until interrupted")
		<-ctx.Done()
		return
	}

	consumer := telegram.New(telegram.Config{
		Token:      cfg.Telegram.Token,
		AllowedIDs: cfg.Telegram.AllowedIDs,
		Core:       c,
		Logger:     logger,
	})
	if err := consumer.Run(ctx); err != nil {
		fatalStartup(logger, "E_TELEGRAM_RUN", err)
	}
}

// watchOverrides applies a live AGENTS.override.md reload by re-reading it
// and pushing it through SetUniversalInstructions, matching what the
// subprocess would read directly but keeping Core's copy current for any
// future restart-triggered re-send.
func watchOverrides(ctx context.Context, c *core.Core, w *config.Watcher, profile *homeprofile.Profile, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if ev.Path != profile.AgentsOverridePath() {
				continue
			}
			data, err := os.ReadFile(ev.Path)
			if err != nil {
				logger.Warn("override reload read failed", "error", err)
				continue
			}
			if err := c.SetUniversalInstructions(string(data)); err != nil {
				logger.Warn("override reload apply failed", "error", err)
			}
		}
	}
}

type statusAdapter struct{ c *core.Core }

func (a statusAdapter) Running() bool     { return a.c.Status().Running }
func (a statusAdapter) Initialized() bool { return a.c.Status().Initialized }
func (a statusAdapter) BusyChatCount() int {
	return a.c.BusyChatCount()
}

type statusViewAdapter struct{ c *core.Core }

func (a statusViewAdapter) Status() any        { return a.c.Status() }
func (a statusViewAdapter) BusyChatCount() int { return a.c.BusyChatCount() }

type watchAdapter struct{ c *core.Core }

func (a watchAdapter) WatchChat(chatID int64) (<-chan string, bool) {
	return a.c.WatchChat(chatID)
}

// tuiSnapshotProvider closes over the pieces the dashboard needs that Core
// doesn't expose directly: the shared stderr tail buffer and the process's
// own start time, for an uptime reading.
func tuiSnapshotProvider(c *core.Core, tail *supervisor.StderrTail, startedAt time.Time) tui.StatusProvider {
	return func() tui.Snapshot {
		status := c.Status()
		return tui.Snapshot{
			Running:     status.Running,
			Initialized: status.Initialized,
			BusyChats:   c.BusyChatCount(),
			StderrTail:  tail.Lines(),
			LastError:   status.LastError,
			Uptime:      time.Since(startedAt),
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
