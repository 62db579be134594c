package maintenance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/codexbridge/internal/supervisor"
)

type fakeStatus struct {
	running, initialized bool
	busy                 int
}

func (f fakeStatus) Running() bool     { return f.running }
func (f fakeStatus) Initialized() bool { return f.initialized }
func (f fakeStatus) BusyChatCount() int {
	return f.busy
}

func TestLogStatusSnapshot_DoesNotPanicWithoutStatus(t *testing.T) {
	s := New(Dependencies{})
	s.logStatusSnapshot()
}

func TestFlushStderrTail_WritesSnapshotFile(t *testing.T) {
	dir := t.TempDir()
	tail := supervisor.NewStderrTail(10)
	tail.Push("line one")
	tail.Push("line two")

	s := New(Dependencies{Tail: tail, LogsDir: dir, Status: fakeStatus{}})
	s.flushStderrTail()

	data, err := os.ReadFile(filepath.Join(dir, "stderr-tail.snapshot"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(data) != "line one\nline two" {
		t.Errorf("unexpected snapshot contents: %q", data)
	}
}

func TestSweepTmp_RemovesOnlyOldFiles(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.tmp")
	newPath := filepath.Join(dir, "new.tmp")
	if err := os.WriteFile(oldPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}

	s := New(Dependencies{TmpDir: dir})
	s.sweepTmpOlderThan(24 * time.Hour)

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("expected old.tmp to be swept, stat err=%v", err)
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Errorf("expected new.tmp to survive, stat err=%v", err)
	}
}

func TestStartStop_RegistersJobsAndShutsDownCleanly(t *testing.T) {
	s := New(Dependencies{Status: fakeStatus{running: true, busy: 2}})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
