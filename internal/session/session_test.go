package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/codexbridge/internal/rpc"
)

// scriptedSender answers every outbound Call synchronously with a canned
// result or error keyed by method name, resolving it straight back into
// the same Client that sent it — the pending channel is registered before
// Send is invoked, so this never deadlocks.
type scriptedSender struct {
	client  *rpc.Client
	results map[string]json.RawMessage
	errors  map[string]*rpc.Error
	calls   []string
}

type wireRequest struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *scriptedSender) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var req wireRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	s.calls = append(s.calls, req.Method)

	if req.ID == nil {
		return nil // notification, no reply expected
	}
	env := rpc.Envelope{ID: req.ID}
	if errResp, ok := s.errors[req.Method]; ok {
		env.Error = errResp
	} else {
		env.Result = s.results[req.Method]
	}
	s.client.Resolve(env)
	return nil
}

func newHarness(t *testing.T) (*scriptedSender, *rpc.Client) {
	t.Helper()
	sender := &scriptedSender{
		results: make(map[string]json.RawMessage),
		errors:  make(map[string]*rpc.Error),
	}
	client := rpc.NewClient(sender)
	sender.client = client
	return sender, client
}

func TestEnsureInitialized_SendsHandshakeOnce(t *testing.T) {
	sender, client := newHarness(t)
	sender.results["initialize"] = json.RawMessage(`{}`)

	m, err := NewManager(filepath.Join(t.TempDir(), "chat-threads.json"), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := m.EnsureInitialized(ctx, client); err != nil {
		t.Fatalf("first EnsureInitialized: %v", err)
	}
	if err := m.EnsureInitialized(ctx, client); err != nil {
		t.Fatalf("second EnsureInitialized: %v", err)
	}

	count := 0
	for _, c := range sender.calls {
		if c == "initialize" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly 1 initialize call, got %d (%v)", count, sender.calls)
	}
}

func TestThreadForChat_CreatesAndPersistsWithOwnerOnlyPerms(t *testing.T) {
	sender, client := newHarness(t)
	sender.results["thread/start"] = json.RawMessage(`{"threadId":"th-1"}`)

	path := filepath.Join(t.TempDir(), "chat-threads.json")
	m, err := NewManager(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	threadID, err := m.ThreadForChat(context.Background(), client, 100, "")
	if err != nil {
		t.Fatalf("ThreadForChat: %v", err)
	}
	if threadID != "th-1" {
		t.Errorf("threadID = %q", threadID)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected persisted file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected 0600 perms, got %o", perm)
	}

	// A fresh manager loading the same path must see the mapping.
	m2, err := NewManager(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := m2.chatThreads[100]; got != "th-1" {
		t.Errorf("reloaded thread id = %q", got)
	}
}

func TestThreadForChat_ResumesExistingThreadOncePerIncarnation(t *testing.T) {
	sender, client := newHarness(t)
	sender.results["thread/resume"] = json.RawMessage(`{}`)

	path := filepath.Join(t.TempDir(), "chat-threads.json")
	m, err := NewManager(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	m.chatThreads[200] = "th-existing"

	ctx := context.Background()
	if _, err := m.ThreadForChat(ctx, client, 200, ""); err != nil {
		t.Fatalf("first ThreadForChat: %v", err)
	}
	if _, err := m.ThreadForChat(ctx, client, 200, ""); err != nil {
		t.Fatalf("second ThreadForChat: %v", err)
	}

	count := 0
	for _, c := range sender.calls {
		if c == "thread/resume" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly 1 thread/resume call, got %d", count)
	}
}

func TestIsNoRollout_ExtractsThreadID(t *testing.T) {
	id, ok := IsNoRollout(`no rollout found for thread id abc-123`)
	if !ok || id != "abc-123" {
		t.Errorf("got id=%q ok=%v", id, ok)
	}

	if _, ok := IsNoRollout("unrelated error"); ok {
		t.Errorf("expected no match for unrelated message")
	}
}

func TestForgetThread_ClearsMappingAndAllowsRecreate(t *testing.T) {
	sender, client := newHarness(t)
	sender.results["thread/start"] = json.RawMessage(`{"threadId":"th-new"}`)

	path := filepath.Join(t.TempDir(), "chat-threads.json")
	m, err := NewManager(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	m.chatThreads[300] = "th-lost"
	m.resumedThread["th-lost"] = true

	if err := m.ForgetThread(300, "th-lost"); err != nil {
		t.Fatalf("ForgetThread: %v", err)
	}
	if _, ok := m.chatThreads[300]; ok {
		t.Errorf("expected chat 300 mapping removed")
	}

	threadID, err := m.ThreadForChat(context.Background(), client, 300, "")
	if err != nil {
		t.Fatalf("ThreadForChat after forget: %v", err)
	}
	if threadID != "th-new" {
		t.Errorf("threadID = %q, expected fresh thread from thread/start", threadID)
	}
}

func TestIsStderrNoRollout_ExtractsThreadID(t *testing.T) {
	id, ok := IsStderrNoRollout(`state db missing rollout path for thread abc-123`)
	if !ok || id != "abc-123" {
		t.Errorf("got id=%q ok=%v", id, ok)
	}

	if _, ok := IsStderrNoRollout("unrelated stderr noise"); ok {
		t.Errorf("expected no match for unrelated line")
	}
}

func TestForgetThreadByID_ClearsMappingForOwningChat(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "chat-threads.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	m.chatThreads[300] = "th-lost"
	m.resumedThread["th-lost"] = true

	chatID, ok := m.ForgetThreadByID("th-lost")
	if !ok || chatID != 300 {
		t.Fatalf("ForgetThreadByID = (%d, %v), want (300, true)", chatID, ok)
	}
	if _, mapped := m.chatThreads[300]; mapped {
		t.Errorf("expected chat 300 mapping removed")
	}
	if m.resumedThread["th-lost"] {
		t.Errorf("expected th-lost no longer marked resumed")
	}
}

func TestForgetThreadByID_UnknownThreadReturnsNotOK(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "chat-threads.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.ForgetThreadByID("no-such-thread"); ok {
		t.Errorf("expected no match for a thread id nothing maps to")
	}
}

func TestReset_ClearsHandshakeAndResumedStateButKeepsMapping(t *testing.T) {
	_, client := newHarness(t)

	m, err := NewManager(filepath.Join(t.TempDir(), "chat-threads.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	m.chatThreads[400] = "th-keep"
	m.resumedThread["th-keep"] = true
	m.initialized = true

	m.Reset()

	if m.initialized {
		t.Errorf("expected initialized reset to false")
	}
	if m.resumedThread["th-keep"] {
		t.Errorf("expected resumed state cleared")
	}
	if m.chatThreads[400] != "th-keep" {
		t.Errorf("expected persisted chat mapping to survive Reset")
	}
	_ = client
}
