package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/codexbridge/internal/rpc"
)

// ErrBusy is returned when a chat already has an in-flight turn.
var ErrBusy = errors.New("turn: chat already has an in-flight turn")

// ErrTimeout marks a turn that didn't reach turn/completed within the
// safety window.
var ErrTimeout = errors.New("turn: timed out waiting for completion")

// ErrDisconnected marks every in-flight turn failed by a subprocess
// disconnect.
var ErrDisconnected = errors.New("turn: subprocess disconnected")

const safetyTimeout = 180 * time.Second

// Result is what a turn's done future resolves to.
type Result struct {
	Text string
	Err  error
}

// pendingTurn is Engine's bookkeeping for one in-flight turn: the
// accumulating buffer, how much of it has already been sent as chunks,
// and the channels the caller of StartTurnStream is draining.
type pendingTurn struct {
	turnID    string
	chatID    int64
	threadID  string
	startedAt time.Time

	mu          sync.Mutex
	cond        *sync.Cond
	fullText    strings.Builder
	sentByte    int
	subscribers []chan string
	queue       []string
	closing     bool

	updates chan string
	done    chan Result
	timer   *time.Timer
	once    sync.Once
}

// forwardUpdates is the goroutine that owns pt.updates: it drains pt.queue
// (an unbounded slice rather than a fixed-capacity channel, so a slow
// consumer never costs a dropped chunk) and blocks on the channel send
// without holding pt.mu, so producers (drain, under pt.mu) never wait on a
// reader. It exits and closes pt.updates once the turn has finished and
// the queue is empty.
func (pt *pendingTurn) forwardUpdates() {
	pt.mu.Lock()
	for {
		for len(pt.queue) == 0 && !pt.closing {
			pt.cond.Wait()
		}
		if len(pt.queue) == 0 && pt.closing {
			pt.mu.Unlock()
			close(pt.updates)
			return
		}
		chunk := pt.queue[0]
		pt.queue = pt.queue[1:]
		pt.mu.Unlock()
		pt.updates <- chunk
		pt.mu.Lock()
	}
}

// enqueue appends chunk for forwardUpdates to deliver. Caller must hold pt.mu.
func (pt *pendingTurn) enqueue(chunk string) {
	pt.queue = append(pt.queue, chunk)
	pt.cond.Signal()
}

// closeUpdates marks the update stream finished; forwardUpdates closes
// pt.updates itself once it has drained whatever is still queued. Caller
// must hold pt.mu.
func (pt *pendingTurn) closeUpdates() {
	pt.closing = true
	pt.cond.Signal()
}

// FinishInfo describes one turn's outcome, passed to an Engine's finish
// observer after every turn resolves one way or another.
type FinishInfo struct {
	ChatID       int64
	ThreadID     string
	StartedAt    time.Time
	FinishedAt   time.Time
	Status       string
	ByteCount    int
	ErrorMessage string
}

// Engine is the Turn Engine component: per-chat single-flight locking,
// turn lifecycle, and the streaming chunker wiring between the Protocol
// Dispatcher's notifications and a caller's updates/done channels.
type Engine struct {
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	busy   map[int64]bool
	turns  map[string]*pendingTurn
	byChat map[int64]*pendingTurn

	onFinish func(FinishInfo)
}

// New builds an Engine with the 180-second safety timeout.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:  logger,
		timeout: safetyTimeout,
		busy:    make(map[int64]bool),
		turns:   make(map[string]*pendingTurn),
		byChat:  make(map[int64]*pendingTurn),
	}
}

// StartTurnStream drives a turn on threadID for chatID with the given
// input text. It returns a channel of reader-friendly chunks (closed when
// the turn finishes, one way or another) and a channel that receives
// exactly one Result. If chatID already has a turn in flight, it returns
// ErrBusy without touching the subprocess.
func (e *Engine) StartTurnStream(ctx context.Context, client *rpc.Client, chatID int64, threadID, text, cwd string) (<-chan string, <-chan Result, error) {
	e.mu.Lock()
	if e.busy[chatID] {
		e.mu.Unlock()
		return nil, nil, ErrBusy
	}
	e.busy[chatID] = true
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.busy, chatID)
		e.mu.Unlock()
	}

	params := map[string]any{
		"threadId":       threadID,
		"approvalPolicy": "never",
		"input": []map[string]string{
			{"type": "text", "text": text},
		},
	}
	if cwd != "" {
		params["cwd"] = cwd
	}
	result, err := client.Call(ctx, "turn/start", params)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("turn: turn/start: %w", err)
	}
	var parsed struct {
		TurnID string `json:"turnId"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.TurnID == "" {
		release()
		return nil, nil, fmt.Errorf("turn: turn/start: malformed response")
	}

	pt := &pendingTurn{
		turnID:    parsed.TurnID,
		chatID:    chatID,
		threadID:  threadID,
		startedAt: time.Now(),
		updates:   make(chan string),
		done:      make(chan Result, 1),
	}
	pt.cond = sync.NewCond(&pt.mu)
	go pt.forwardUpdates()
	pt.timer = time.AfterFunc(e.timeout, func() {
		e.finish(pt.turnID, Result{Err: ErrTimeout})
	})

	e.mu.Lock()
	e.turns[pt.turnID] = pt
	e.byChat[chatID] = pt
	e.mu.Unlock()

	return pt.updates, pt.done, nil
}

// Subscribe returns a channel that receives a copy of every future chunk
// for chatID's in-flight turn, for passive observers like the status
// gateway. ok is false if chatID has no turn running. The returned
// channel is closed when the turn finishes; it is never the channel the
// original StartTurnStream caller drains, so a slow or absent subscriber
// never affects turn delivery.
func (e *Engine) Subscribe(chatID int64) (<-chan string, bool) {
	e.mu.Lock()
	pt, ok := e.byChat[chatID]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}

	sub := make(chan string, 16)
	pt.mu.Lock()
	pt.subscribers = append(pt.subscribers, sub)
	pt.mu.Unlock()
	return sub, true
}

// HandleDelta appends delta to the named turn's buffer (dropping it
// silently if the turn id isn't registered yet — turn/start may still be
// in flight) and flushes any chunks the threshold rules now allow.
func (e *Engine) HandleDelta(turnID, delta string) {
	pt := e.lookup(turnID)
	if pt == nil {
		return
	}
	pt.mu.Lock()
	pt.fullText.WriteString(delta)
	e.drain(pt, false)
	pt.mu.Unlock()
}

// HandleItemCompleted replaces the buffer with item's text when itemType
// names a message-shaped item and the new text is at least as long as
// what's buffered — completion can carry the canonical full text.
func (e *Engine) HandleItemCompleted(turnID, itemType, text string) {
	if !strings.HasSuffix(itemType, "Message") {
		return
	}
	pt := e.lookup(turnID)
	if pt == nil {
		return
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if len(text) >= pt.fullText.Len() {
		pt.fullText.Reset()
		pt.fullText.WriteString(text)
	}
}

// HandleTurnCompleted force-flushes the remaining buffer, releases the
// chat's single-flight slot, and resolves the done channel.
func (e *Engine) HandleTurnCompleted(turnID, status, errMsg string) {
	pt := e.lookup(turnID)
	if pt == nil {
		return
	}
	pt.mu.Lock()
	e.drain(pt, true)
	full := pt.fullText.String()
	pt.mu.Unlock()

	if status == "failed" {
		e.finish(turnID, Result{Err: fmt.Errorf("turn: %s", errMsg)})
		return
	}
	e.finish(turnID, Result{Text: full})
}

// FailAll resolves every in-flight turn with ErrDisconnected — used on
// subprocess disconnect so no caller blocks forever on a done channel.
func (e *Engine) FailAll() {
	e.mu.Lock()
	turns := e.turns
	onFinish := e.onFinish
	e.turns = make(map[string]*pendingTurn)
	e.busy = make(map[int64]bool)
	e.byChat = make(map[int64]*pendingTurn)
	e.mu.Unlock()

	for _, pt := range turns {
		pt.timer.Stop()
		pt.once.Do(func() {
			pt.done <- Result{Err: ErrDisconnected}
			close(pt.done)
		})
		pt.mu.Lock()
		pt.closeUpdates()
		for _, sub := range pt.subscribers {
			close(sub)
		}
		pt.mu.Unlock()
		if onFinish != nil {
			onFinish(FinishInfo{
				ChatID:       pt.chatID,
				ThreadID:     pt.threadID,
				StartedAt:    pt.startedAt,
				FinishedAt:   time.Now(),
				Status:       "disconnected",
				ErrorMessage: ErrDisconnected.Error(),
			})
		}
	}
}

// SetOnFinish registers a passive observer called after every turn
// resolves, with its outcome. It's fed by the same turn/completed and
// timeout paths that resolve the turn's done future — it can't affect
// that resolution, only observe it.
func (e *Engine) SetOnFinish(fn func(FinishInfo)) {
	e.mu.Lock()
	e.onFinish = fn
	e.mu.Unlock()
}

// BusyCount reports how many chats currently have an in-flight turn.
func (e *Engine) BusyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.busy)
}

func (e *Engine) lookup(turnID string) *pendingTurn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turns[turnID]
}

// drain emits every chunk the chunker currently allows; with force it
// empties the buffer entirely. Caller must hold pt.mu.
func (e *Engine) drain(pt *pendingTurn, force bool) {
	for {
		chunk, next, ok := NextChunk(pt.fullText.String(), pt.sentByte, force)
		if !ok {
			return
		}
		pt.sentByte = next
		pt.enqueue(chunk)
		for _, sub := range pt.subscribers {
			select {
			case sub <- chunk:
			default:
			}
		}
	}
}

func (e *Engine) finish(turnID string, result Result) {
	e.mu.Lock()
	pt, ok := e.turns[turnID]
	onFinish := e.onFinish
	if ok {
		delete(e.turns, turnID)
		delete(e.busy, pt.chatID)
		delete(e.byChat, pt.chatID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	pt.timer.Stop()
	pt.once.Do(func() {
		pt.mu.Lock()
		pt.closeUpdates()
		for _, sub := range pt.subscribers {
			close(sub)
		}
		pt.mu.Unlock()
		pt.done <- result
		close(pt.done)
	})

	if onFinish != nil {
		status := "completed"
		errMsg := ""
		if result.Err != nil {
			status = "failed"
			errMsg = result.Err.Error()
		}
		onFinish(FinishInfo{
			ChatID:       pt.chatID,
			ThreadID:     pt.threadID,
			StartedAt:    pt.startedAt,
			FinishedAt:   time.Now(),
			Status:       status,
			ByteCount:    len(result.Text),
			ErrorMessage: errMsg,
		})
	}
}
