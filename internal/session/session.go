// Package session manages the handshake with the app-server subprocess and
// the mapping from chat id to its persistent conversation thread,
// including recovery when the subprocess reports it has lost a thread's
// rollout (e.g. after its own storage was cleared out from under it).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/basket/codexbridge/internal/rpc"
)

const (
	clientName    = "codexbridge"
	clientVersion = "0.1.0"
)

// noRolloutPrefix is the sentinel the subprocess uses when asked to resume
// or act on a thread id it no longer has rollout state for.
const noRolloutPrefix = "no rollout found for thread id "

// stderrNoRolloutPrefix is the sentinel the subprocess logs to its own
// stderr (rather than returning in-band) when its storage layer discovers
// it has lost a thread's rollout independent of any particular request.
const stderrNoRolloutPrefix = "state db missing rollout path for thread "

// IsNoRollout reports whether msg is the subprocess's "lost this thread's
// state" sentinel, and if so extracts the thread id it named.
func IsNoRollout(msg string) (threadID string, ok bool) {
	return scanNoRolloutID(msg, noRolloutPrefix)
}

// IsStderrNoRollout reports whether line is the subprocess's stderr-only
// "lost this thread's state" sentinel, and if so extracts the thread id it
// named.
func IsStderrNoRollout(line string) (threadID string, ok bool) {
	return scanNoRolloutID(line, stderrNoRolloutPrefix)
}

func scanNoRolloutID(msg, prefix string) (threadID string, ok bool) {
	if !strings.Contains(msg, prefix) {
		return "", false
	}
	idx := strings.Index(msg, prefix)
	rest := strings.TrimSpace(msg[idx+len(prefix):])
	// The id is the first whitespace-delimited token after the prefix.
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	return strings.Trim(fields[0], `"'.,`), true
}

// Manager is the Session Manager component: handshake state plus the
// persisted chat→thread map and the in-memory resumed-thread set.
type Manager struct {
	threadsPath string
	logger      *slog.Logger

	mu            sync.Mutex
	initialized   bool
	chatThreads   map[int64]string
	resumedThread map[string]bool
}

// NewManager loads the persisted chat→thread map from threadsPath (missing
// file is not an error — it means no chats have started a thread yet).
func NewManager(threadsPath string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		threadsPath:   threadsPath,
		logger:        logger,
		chatThreads:   make(map[int64]string),
		resumedThread: make(map[string]bool),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.threadsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("session: read chat threads: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("session: parse chat threads: %w", err)
	}
	for k, v := range raw {
		var chatID int64
		if _, err := fmt.Sscanf(k, "%d", &chatID); err != nil {
			continue
		}
		m.chatThreads[chatID] = v
	}
	return nil
}

// persist writes the chat→thread map with owner-only permissions: it's the
// closest thing to a credential this bridge keeps (it lets anyone with
// read access resume someone else's conversation thread).
func (m *Manager) persist() error {
	raw := make(map[string]string, len(m.chatThreads))
	for k, v := range m.chatThreads {
		raw[fmt.Sprintf("%d", k)] = v
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal chat threads: %w", err)
	}
	if err := os.WriteFile(m.threadsPath, data, 0o600); err != nil {
		return fmt.Errorf("session: write chat threads: %w", err)
	}
	return os.Chmod(m.threadsPath, 0o600)
}

// Reset clears per-incarnation state (handshake done, which threads have
// been resumed against the current process) without touching the
// persisted chat→thread map, which survives across subprocess restarts.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	m.resumedThread = make(map[string]bool)
}

// EnsureInitialized performs the initialize/initialized handshake exactly
// once per subprocess incarnation (until Reset is called).
func (m *Manager) EnsureInitialized(ctx context.Context, client *rpc.Client) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	params := map[string]any{
		"clientInfo": map[string]string{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	if _, err := client.Call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("session: initialize: %w", err)
	}
	if err := client.Notify("initialized", nil); err != nil {
		return fmt.Errorf("session: send initialized: %w", err)
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// ThreadForChat returns the thread id bound to chatID, creating one via
// thread/start if this chat has never started a thread, or resuming the
// existing one via thread/resume if the current process hasn't seen it
// yet. cwd, when non-empty, is included as the thread's working
// directory.
func (m *Manager) ThreadForChat(ctx context.Context, client *rpc.Client, chatID int64, cwd string) (string, error) {
	m.mu.Lock()
	threadID, ok := m.chatThreads[chatID]
	m.mu.Unlock()

	if ok {
		if err := m.resumeIfNeeded(ctx, client, threadID, cwd); err != nil {
			return "", err
		}
		return threadID, nil
	}

	result, err := client.Call(ctx, "thread/start", threadParams(cwd, nil))
	if err != nil {
		return "", fmt.Errorf("session: thread/start: %w", err)
	}
	var parsed struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.ThreadID == "" {
		return "", fmt.Errorf("session: thread/start: malformed response")
	}

	m.mu.Lock()
	m.chatThreads[chatID] = parsed.ThreadID
	m.resumedThread[parsed.ThreadID] = true
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.logger.Warn("session: persist chat threads failed", "error", err)
	}
	return parsed.ThreadID, nil
}

func (m *Manager) resumeIfNeeded(ctx context.Context, client *rpc.Client, threadID, cwd string) error {
	m.mu.Lock()
	if m.resumedThread[threadID] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, err := client.Call(ctx, "thread/resume", threadParams(cwd, map[string]any{"threadId": threadID}))
	if err != nil {
		return fmt.Errorf("session: thread/resume: %w", err)
	}

	m.mu.Lock()
	m.resumedThread[threadID] = true
	m.mu.Unlock()
	return nil
}

// threadParams builds the common thread/start and thread/resume params,
// folding in extra (e.g. threadId) and cwd when set.
func threadParams(cwd string, extra map[string]any) map[string]any {
	p := map[string]any{
		"approvalPolicy": "never",
		"sandbox":        "read-only",
	}
	for k, v := range extra {
		p[k] = v
	}
	if cwd != "" {
		p["cwd"] = cwd
	}
	return p
}

// ResetAll drops every chat→thread mapping and resumed-thread entry —
// the reset_threads operation: every chat starts a brand new thread on
// its next turn.
func (m *Manager) ResetAll() error {
	m.mu.Lock()
	m.chatThreads = make(map[int64]string)
	m.resumedThread = make(map[string]bool)
	m.mu.Unlock()
	return m.persist()
}

// ForgetThread drops chatID's mapping and resumed-state entry — the
// recovery step when the subprocess reports it has no rollout for the
// thread we believed was bound to this chat. The caller retries
// ThreadForChat once afterward, which will mint a fresh thread.
func (m *Manager) ForgetThread(chatID int64, threadID string) error {
	m.mu.Lock()
	delete(m.chatThreads, chatID)
	delete(m.resumedThread, threadID)
	m.mu.Unlock()
	return m.persist()
}

// ForgetThreadByID is ForgetThread's counterpart for the stderr-sentinel
// recovery path, which only ever learns a thread id, not the chat id it's
// bound to. It finds the chat currently mapped to threadID (if any) and
// applies the same reset; ok is false if no chat has that thread mapped,
// in which case there's nothing to recover.
func (m *Manager) ForgetThreadByID(threadID string) (chatID int64, ok bool) {
	m.mu.Lock()
	for id, t := range m.chatThreads {
		if t == threadID {
			chatID, ok = id, true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return 0, false
	}
	delete(m.chatThreads, chatID)
	delete(m.resumedThread, threadID)
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.logger.Warn("session: persist chat threads failed", "error", err)
	}
	return chatID, true
}
