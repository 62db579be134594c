package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/codexbridge/internal/core"
	"github.com/basket/codexbridge/internal/homeprofile"
	"github.com/basket/codexbridge/internal/supervisor"
)

func newTestAdapterCore(t *testing.T) *core.Core {
	t.Helper()
	profile, err := homeprofile.Ensure(filepath.Join(t.TempDir(), "home"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := core.New(core.Options{Bin: "true", Profile: profile})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestStatusAdapter_ReflectsCoreStatus(t *testing.T) {
	c := newTestAdapterCore(t)
	a := statusAdapter{c}
	if a.Running() || a.Initialized() {
		t.Errorf("expected a fresh core to report not running/initialized")
	}
	if a.BusyChatCount() != 0 {
		t.Errorf("expected zero busy chats on a fresh core")
	}
}

func TestStatusViewAdapter_ReturnsStatusAsAny(t *testing.T) {
	c := newTestAdapterCore(t)
	a := statusViewAdapter{c}
	status, ok := a.Status().(core.Status)
	if !ok {
		t.Fatalf("expected a.Status() to be a core.Status, got %T", a.Status())
	}
	if status.Running {
		t.Errorf("expected fresh core status to report not running")
	}
	if a.BusyChatCount() != 0 {
		t.Errorf("expected zero busy chats on a fresh core")
	}
}

func TestWatchAdapter_NoInFlightTurnReturnsNotOK(t *testing.T) {
	c := newTestAdapterCore(t)
	a := watchAdapter{c}
	if _, ok := a.WatchChat(1); ok {
		t.Errorf("expected WatchChat to report no in-flight turn for an unconnected core")
	}
}

func TestTuiSnapshotProvider_ReflectsLiveStateAndUptime(t *testing.T) {
	c := newTestAdapterCore(t)
	tail := supervisor.NewStderrTail(10)
	tail.Push("boot ok")
	startedAt := time.Now().Add(-2 * time.Second)

	provider := tuiSnapshotProvider(c, tail, startedAt)
	snap := provider()

	if snap.Running {
		t.Errorf("expected fresh core to report not running")
	}
	if len(snap.StderrTail) != 1 || snap.StderrTail[0] != "boot ok" {
		t.Errorf("expected stderr tail to carry the added line, got %v", snap.StderrTail)
	}
	if snap.Uptime < 2*time.Second {
		t.Errorf("expected uptime to reflect startedAt, got %s", snap.Uptime)
	}
}
