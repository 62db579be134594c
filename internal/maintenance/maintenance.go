// Package maintenance wraps robfig/cron/v3 to run fixed housekeeping jobs
// alongside the bridge: none of them mutate Core's invariants, they only
// observe and log.
package maintenance

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/codexbridge/internal/supervisor"
)

// StatusSnapshot is the minimal view of Core's state the status job logs.
// A narrow interface keeps this package from depending on internal/core.
type StatusSnapshot interface {
	Running() bool
	Initialized() bool
	BusyChatCount() int
}

// Dependencies are the scheduler's collaborators.
type Dependencies struct {
	Status  StatusSnapshot
	Tail    *supervisor.StderrTail
	LogsDir string
	TmpDir  string
	Logger  *slog.Logger
}

// Scheduler runs the bridge's three maintenance jobs on independent
// schedules.
type Scheduler struct {
	cron   *cronlib.Cron
	deps   Dependencies
	logger *slog.Logger
}

// New builds a Scheduler. Call Start to register jobs and begin running
// them.
func New(deps Dependencies) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cronlib.New(),
		deps:   deps,
		logger: logger,
	}
}

// Start registers the status snapshot, stderr-tail flush, and tmp sweep
// jobs and begins running them in the background.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("* * * * *", s.logStatusSnapshot); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("*/5 * * * *", s.flushStderrTail); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 * * * *", s.sweepTmp); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("maintenance: scheduler started")
	return nil
}

// Stop waits for any running job to finish, then stops the scheduler.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("maintenance: scheduler stopped")
}

func (s *Scheduler) logStatusSnapshot() {
	if s.deps.Status == nil {
		return
	}
	s.logger.Debug("maintenance: status snapshot",
		"running", s.deps.Status.Running(),
		"initialized", s.deps.Status.Initialized(),
		"busy_chats", s.deps.Status.BusyChatCount(),
	)
}

func (s *Scheduler) flushStderrTail() {
	if s.deps.Tail == nil || s.deps.LogsDir == "" {
		return
	}
	path := filepath.Join(s.deps.LogsDir, "stderr-tail.snapshot")
	content := strings.Join(s.deps.Tail.Lines(), "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		s.logger.Warn("maintenance: stderr tail flush failed", "error", err)
	}
}

func (s *Scheduler) sweepTmp() {
	s.sweepTmpOlderThan(24 * time.Hour)
}

func (s *Scheduler) sweepTmpOlderThan(age time.Duration) {
	if s.deps.TmpDir == "" {
		return
	}
	entries, err := os.ReadDir(s.deps.TmpDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("maintenance: tmp sweep readdir failed", "error", err)
		}
		return
	}
	cutoff := time.Now().Add(-age)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.deps.TmpDir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Warn("maintenance: tmp sweep remove failed", "path", path, "error", err)
			}
		}
	}
}
