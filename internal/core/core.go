// Package core composes the Transport/RPC layer, the process Supervisor,
// the Protocol Dispatcher, the Session Manager, and the Turn Engine into
// the single public surface a chat transport drives: connect, start a
// streamed turn, check status, manage login, and tear down.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/codexbridge/internal/audit"
	"github.com/basket/codexbridge/internal/dispatch"
	"github.com/basket/codexbridge/internal/homeprofile"
	"github.com/basket/codexbridge/internal/rpc"
	"github.com/basket/codexbridge/internal/session"
	"github.com/basket/codexbridge/internal/supervisor"
	"github.com/basket/codexbridge/internal/turn"
)

const (
	defaultRequestTimeout = 60 * time.Second
)

// Options configures a Core.
type Options struct {
	Bin            string
	Args           []string
	Profile        *homeprofile.Profile
	Logger         *slog.Logger
	Tail           *supervisor.StderrTail
	RequestTimeout time.Duration
	Audit          *audit.Trail

	// SourceHome is the user's canonical home directory to import
	// auth.json from into the isolated profile on first use. Empty skips
	// the import.
	SourceHome string
	// InstructionsFallbackOnly, when set, makes the universal instructions
	// override apply only when the active workspace has no AGENTS.md or
	// AGENTS.override.md of its own.
	InstructionsFallbackOnly bool
}

// Core is the composed AI Runtime Core: the public type the bridge talks
// to. It owns the subprocess lifecycle and hides the wiring between the
// supervisor, dispatcher, session manager, and turn engine.
type Core struct {
	bin            string
	args           []string
	profile        *homeprofile.Profile
	logger         *slog.Logger
	requestTimeout time.Duration
	fallbackOnly   bool

	sup     *supervisor.Supervisor
	disp    *dispatch.Dispatcher
	session *session.Manager
	turns   *turn.Engine
	audit   *audit.Trail

	mu            sync.Mutex
	workspaceDir  string
	status        statusBox
	pendingLogin  string
	accountReady  bool
	requiresOauth bool
}

// New builds a Core. Call Connect to actually spawn the subprocess.
func New(opts Options) (*Core, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tail == nil {
		opts.Tail = supervisor.NewStderrTail(200)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	if opts.SourceHome != "" {
		if err := opts.Profile.ImportCredentialsOnce(opts.SourceHome); err != nil {
			opts.Logger.Warn("core: import credentials failed", "error", err)
		}
	}

	sessionMgr, err := session.NewManager(opts.Profile.ChatThreadsPath(), opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("core: session manager: %w", err)
	}

	firstRun, err := opts.Profile.EnsureProfileMarker()
	if err != nil {
		opts.Logger.Warn("core: profile marker check failed", "error", err)
	} else if firstRun {
		if err := sessionMgr.ResetAll(); err != nil {
			opts.Logger.Warn("core: clear thread mappings on first profile use failed", "error", err)
		}
	}

	c := &Core{
		bin:            opts.Bin,
		args:           opts.Args,
		profile:        opts.Profile,
		logger:         opts.Logger,
		requestTimeout: opts.RequestTimeout,
		fallbackOnly:   opts.InstructionsFallbackOnly,
		sup:            supervisor.New(opts.Bin, opts.Args, opts.Profile.Dir, opts.Logger, opts.Tail),
		session:        sessionMgr,
		turns:          turn.New(opts.Logger),
		audit:          opts.Audit,
	}
	c.sup.SetStderrLineHandler(c.handleStderrLine)
	if c.audit != nil {
		c.turns.SetOnFinish(func(info turn.FinishInfo) {
			if err := c.audit.Record(audit.Entry{
				ChatID:       info.ChatID,
				ThreadID:     info.ThreadID,
				StartedAt:    info.StartedAt,
				FinishedAt:   info.FinishedAt,
				Status:       info.Status,
				ByteCount:    info.ByteCount,
				ErrorMessage: info.ErrorMessage,
			}); err != nil {
				c.logger.Warn("core: audit record failed", "error", err)
			}
		})
	}
	return c, nil
}

// Connect spawns the subprocess, performs the initialize handshake, reads
// account state, and starts the dispatch loop. It returns once the
// handshake completes.
func (c *Core) Connect(ctx context.Context) error {
	// A login URL from a previous process incarnation is a one-time OAuth
	// redirect that's no longer valid; don't let Status mislead a client
	// polling right after a crash and restart.
	c.mu.Lock()
	c.pendingLogin = ""
	c.mu.Unlock()
	c.status.Update(func(s *Status) {
		s.LoginURL = ""
		s.LoginID = ""
	})

	if err := c.sup.Start(ctx); err != nil {
		return err
	}
	client := c.sup.Client()

	c.disp = dispatch.New(client, c.logger)
	c.wireNotifications()
	go func() {
		c.disp.Run(c.sup.Envelopes())
		c.handleDisconnect()
	}()

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	if err := c.session.EnsureInitialized(reqCtx, client); err != nil {
		return fmt.Errorf("core: %w: %v", ErrProtocol, err)
	}

	if err := c.refreshAccount(ctx); err != nil {
		c.logger.Warn("core: account/read failed", "error", err)
	}

	c.status.Update(func(s *Status) {
		s.Running = true
		s.Initialized = true
	})
	return nil
}

// Stop tears down the subprocess. Safe to call multiple times.
func (c *Core) Stop() error {
	err := c.sup.Stop()
	c.status.Update(func(s *Status) {
		s.Running = false
		s.Initialized = false
	})
	return err
}

// Status returns a snapshot of the core's readable state.
func (c *Core) Status() Status {
	return c.status.Get()
}

// BusyChatCount reports how many chats currently have an in-flight turn,
// for the status gateway and maintenance snapshot logging.
func (c *Core) BusyChatCount() int {
	return c.turns.BusyCount()
}

// WatchChat subscribes to chatID's in-flight turn, for the status
// gateway's debug websocket. ok is false if chatID has no turn running.
func (c *Core) WatchChat(chatID int64) (<-chan string, bool) {
	return c.turns.Subscribe(chatID)
}

// SetWorkspaceDir sets the cwd included in thread/start, thread/resume,
// and turn/start calls from now on.
func (c *Core) SetWorkspaceDir(dir string) {
	c.mu.Lock()
	c.workspaceDir = dir
	c.mu.Unlock()
}

// SetUniversalInstructions writes (or clears, for an empty string) the
// instructions override file read by the subprocess on every turn. When
// the core was configured with InstructionsFallbackOnly, the override is
// only actually applied if the active workspace has no AGENTS.md or
// AGENTS.override.md of its own — otherwise it's cleared, deferring to the
// workspace's own instructions.
func (c *Core) SetUniversalInstructions(text string) error {
	c.mu.Lock()
	cwd := c.workspaceDir
	c.mu.Unlock()
	return c.profile.WriteInstructionsOverride(text, c.fallbackOnly, cwd)
}

// ResetThreads drops every chat→thread mapping: the next turn for any
// chat starts a brand new conversation thread.
func (c *Core) ResetThreads() error {
	return c.session.ResetAll()
}

// LoginChatGPT starts an interactive login and returns the URL to present
// to the user plus an id to correlate the eventual completion
// notification.
func (c *Core) LoginChatGPT(ctx context.Context) (authURL, loginID string, err error) {
	client := c.sup.Client()
	if client == nil {
		return "", "", ErrNotRunning
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	result, err := client.Call(reqCtx, "account/login/start", map[string]string{"type": "chatgpt"})
	if err != nil {
		return "", "", fmt.Errorf("core: account/login/start: %w", err)
	}
	var parsed struct {
		AuthURL string `json:"authUrl"`
		LoginID string `json:"loginId"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", "", fmt.Errorf("%w: account/login/start response", ErrProtocol)
	}

	c.mu.Lock()
	c.pendingLogin = parsed.LoginID
	c.mu.Unlock()
	c.status.Update(func(s *Status) {
		s.LoginURL = parsed.AuthURL
		s.LoginID = parsed.LoginID
	})
	return parsed.AuthURL, parsed.LoginID, nil
}

// Logout ends the current session on the subprocess side.
func (c *Core) Logout(ctx context.Context) error {
	client := c.sup.Client()
	if client == nil {
		return ErrNotRunning
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	if _, err := client.Call(reqCtx, "account/logout", nil); err != nil {
		return fmt.Errorf("core: account/logout: %w", err)
	}
	c.mu.Lock()
	c.accountReady = false
	c.mu.Unlock()
	return nil
}

// StartTurnStream drives one turn for chatID, ensuring its thread exists
// or is resumed first. It returns a channel of reader-friendly chunks and
// a channel carrying the final result.
func (c *Core) StartTurnStream(ctx context.Context, chatID int64, text string) (<-chan string, <-chan turn.Result, error) {
	client := c.sup.Client()
	if client == nil {
		return nil, nil, ErrNotRunning
	}

	c.mu.Lock()
	ready := c.accountReady || !c.requiresOauth
	c.mu.Unlock()
	if !ready {
		return nil, nil, ErrSignInRequired
	}

	c.mu.Lock()
	cwd := c.workspaceDir
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	threadID, err := c.session.ThreadForChat(reqCtx, client, chatID, cwd)
	cancel()
	if err != nil {
		if recovered, ok := c.recoverFromNoRollout(ctx, client, chatID, cwd, err); ok {
			threadID = recovered
		} else {
			return nil, nil, fmt.Errorf("core: %w: %v", ErrProtocol, err)
		}
	}

	return c.startTurnWithRecovery(ctx, client, chatID, threadID, text, cwd)
}

// startTurnWithRecovery calls turn/start and, if it fails with the
// subprocess's "lost this thread" sentinel, applies the same recovery
// thread/resume gets (forget the mapping, re-acquire a thread) and retries
// turn/start exactly once before giving up.
func (c *Core) startTurnWithRecovery(ctx context.Context, client *rpc.Client, chatID int64, threadID, text, cwd string) (<-chan string, <-chan turn.Result, error) {
	updates, done, err := c.turns.StartTurnStream(ctx, client, chatID, threadID, text, cwd)
	if err == turn.ErrBusy {
		return nil, nil, ErrBusy
	}
	if err != nil {
		if recovered, ok := c.recoverFromNoRollout(ctx, client, chatID, cwd, err); ok {
			updates, done, err = c.turns.StartTurnStream(ctx, client, chatID, recovered, text, cwd)
			if err == turn.ErrBusy {
				return nil, nil, ErrBusy
			}
		}
		if err != nil {
			return nil, nil, fmt.Errorf("core: %w: %v", ErrProtocol, err)
		}
	}
	return updates, done, nil
}

// handleStderrLine scans one line of the subprocess's stderr for the
// out-of-band "lost this thread's rollout" sentinel and, on a match,
// applies the same mapping reset the in-band recovery path does — the
// subprocess's storage layer can discover a thread is gone independent of
// any particular request, and the next turn for that chat must not be
// handed a thread id the subprocess has already forgotten.
func (c *Core) handleStderrLine(line string) {
	threadID, ok := session.IsStderrNoRollout(line)
	if !ok {
		return
	}
	chatID, found := c.session.ForgetThreadByID(threadID)
	if !found {
		return
	}
	c.logger.Warn("core: reset thread mapping after stderr rollout-missing sentinel",
		"thread_id", threadID, "chat_id", chatID)
}

// recoverFromNoRollout implements the BadThread recovery: if err names
// the subprocess's "lost this thread" sentinel, forget the mapping and
// retry thread acquisition once.
func (c *Core) recoverFromNoRollout(ctx context.Context, client *rpc.Client, chatID int64, cwd string, err error) (string, bool) {
	threadID, isNoRollout := session.IsNoRollout(err.Error())
	if !isNoRollout {
		return "", false
	}
	if ferr := c.session.ForgetThread(chatID, threadID); ferr != nil {
		c.logger.Warn("core: forget thread failed", "error", ferr)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	retried, rerr := c.session.ThreadForChat(reqCtx, client, chatID, cwd)
	if rerr != nil {
		return "", false
	}
	return retried, true
}

func (c *Core) refreshAccount(ctx context.Context) error {
	client := c.sup.Client()
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	result, err := client.Call(reqCtx, "account/read", nil)
	if err != nil {
		return err
	}
	var parsed struct {
		RequiresOpenaiAuth bool            `json:"requiresOpenaiAuth"`
		Account            json.RawMessage `json:"account"`
		AuthMode           string          `json:"authMode"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return fmt.Errorf("%w: account/read response", ErrProtocol)
	}

	c.mu.Lock()
	c.requiresOauth = parsed.RequiresOpenaiAuth
	c.accountReady = len(parsed.Account) > 0 && string(parsed.Account) != "null"
	c.mu.Unlock()
	c.status.Update(func(s *Status) {
		s.AuthMode = parsed.AuthMode
	})
	return nil
}

func (c *Core) wireNotifications() {
	c.disp.OnItemDelta(func(method string, params json.RawMessage) {
		var parsed struct {
			TurnID string `json:"turnId"`
			Delta  string `json:"delta"`
		}
		if err := json.Unmarshal(params, &parsed); err != nil {
			return
		}
		c.turns.HandleDelta(parsed.TurnID, parsed.Delta)
	})
	c.disp.OnNotification("item/completed", func(method string, params json.RawMessage) {
		var parsed struct {
			TurnID string `json:"turnId"`
			Item   struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"item"`
		}
		if err := json.Unmarshal(params, &parsed); err != nil {
			return
		}
		c.turns.HandleItemCompleted(parsed.TurnID, parsed.Item.Type, parsed.Item.Text)
	})
	c.disp.OnNotification("turn/completed", func(method string, params json.RawMessage) {
		var parsed struct {
			TurnID string `json:"turnId"`
			Status string `json:"status"`
			Error  struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(params, &parsed); err != nil {
			return
		}
		c.turns.HandleTurnCompleted(parsed.TurnID, parsed.Status, parsed.Error.Message)
	})
	c.disp.OnNotification("account/updated", func(method string, params json.RawMessage) {
		var parsed struct {
			AuthMode string `json:"authMode"`
		}
		if json.Unmarshal(params, &parsed) == nil {
			c.status.Update(func(s *Status) { s.AuthMode = parsed.AuthMode })
		}
	})
	c.disp.OnNotification("account/login/completed", func(method string, params json.RawMessage) {
		var parsed struct {
			LoginID string `json:"loginId"`
			Success bool   `json:"success"`
			Message string `json:"message"`
		}
		if json.Unmarshal(params, &parsed) != nil {
			return
		}
		c.mu.Lock()
		matches := parsed.LoginID == c.pendingLogin
		if matches {
			c.pendingLogin = ""
			if parsed.Success {
				c.accountReady = true
			}
		}
		c.mu.Unlock()
		if matches {
			c.status.Update(func(s *Status) {
				s.LoginURL = ""
				s.LoginID = ""
				if !parsed.Success {
					s.LastError = parsed.Message
				}
			})
		}
	})
	c.disp.OnNotification("error", func(method string, params json.RawMessage) {
		c.status.Update(func(s *Status) { s.LastError = string(params) })
	})
}

// handleDisconnect runs disconnect recovery once the dispatch loop's
// envelope channel closes (the subprocess's stdout hit EOF): every
// pending turn fails, the per-incarnation handshake/resume state resets,
// and status reflects the process is gone.
func (c *Core) handleDisconnect() {
	c.turns.FailAll()
	c.session.Reset()
	c.status.Update(func(s *Status) {
		s.Running = false
		s.Initialized = false
	})
}
