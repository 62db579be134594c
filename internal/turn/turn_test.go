package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/codexbridge/internal/rpc"
)

type scriptedSender struct {
	client  *rpc.Client
	results map[string]json.RawMessage
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
	if req.ID == nil {
		return nil
	}
	s.client.Resolve(rpc.Envelope{ID: req.ID, Result: s.results[req.Method]})
	return nil
}

func newHarness(t *testing.T) (*scriptedSender, *rpc.Client) {
	t.Helper()
	sender := &scriptedSender{results: map[string]json.RawMessage{
		"turn/start": json.RawMessage(`{"turnId":"turn-1"}`),
	}}
	client := rpc.NewClient(sender)
	sender.client = client
	return sender, client
}

func drainUpdates(t *testing.T, updates <-chan string, timeout time.Duration) []string {
	t.Helper()
	var chunks []string
	deadline := time.After(timeout)
	for {
		select {
		case c, ok := <-updates:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-deadline:
			t.Fatalf("timed out waiting for updates channel to close, got %v so far", chunks)
			return nil
		}
	}
}

func TestEngine_HappyPath(t *testing.T) {
	_, client := newHarness(t)
	e := New(nil)

	updates, done, err := e.StartTurnStream(context.Background(), client, 42, "thread-1", "Hello", "")
	if err != nil {
		t.Fatalf("StartTurnStream: %v", err)
	}

	e.mu.Lock()
	if !e.busy[42] {
		t.Errorf("expected chat 42 marked busy during the turn")
	}
	e.mu.Unlock()

	e.HandleDelta("turn-1", "Hi. ")
	e.HandleDelta("turn-1", "How are you? ")
	e.HandleDelta("turn-1", "I am fine.")
	e.HandleTurnCompleted("turn-1", "completed", "")

	chunks := drainUpdates(t, updates, time.Second)
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}

	result := <-done
	if result.Err != nil {
		t.Fatalf("unexpected done error: %v", result.Err)
	}
	want := "Hi. How are you? I am fine."
	if result.Text != want {
		t.Errorf("done text = %q, want %q", result.Text, want)
	}

	e.mu.Lock()
	if e.busy[42] {
		t.Errorf("expected chat 42 released from busy after completion")
	}
	e.mu.Unlock()
}

func TestEngine_SingleFlightRejectsSecondTurn(t *testing.T) {
	_, client := newHarness(t)
	e := New(nil)

	_, _, err := e.StartTurnStream(context.Background(), client, 7, "thread-a", "first", "")
	if err != nil {
		t.Fatalf("first StartTurnStream: %v", err)
	}

	_, _, err = e.StartTurnStream(context.Background(), client, 7, "thread-a", "second", "")
	if err != ErrBusy {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestEngine_TurnFailedSurfacesError(t *testing.T) {
	_, client := newHarness(t)
	e := New(nil)

	_, done, err := e.StartTurnStream(context.Background(), client, 1, "thread-1", "hi", "")
	if err != nil {
		t.Fatal(err)
	}
	e.HandleTurnCompleted("turn-1", "failed", "model unavailable")

	result := <-done
	if result.Err == nil {
		t.Fatalf("expected a failure result")
	}
}

func TestEngine_ItemCompletedReplacesBufferOnlyWhenLonger(t *testing.T) {
	_, client := newHarness(t)
	e := New(nil)

	_, done, err := e.StartTurnStream(context.Background(), client, 2, "thread-1", "hi", "")
	if err != nil {
		t.Fatal(err)
	}
	e.HandleDelta("turn-1", "short")
	e.HandleItemCompleted("turn-1", "agentMessage", "a much longer canonical final message body")
	e.HandleTurnCompleted("turn-1", "completed", "")

	result := <-done
	if result.Text != "a much longer canonical final message body" {
		t.Errorf("result.Text = %q", result.Text)
	}
}

// TestEngine_UpdatesDeliveryIsUnboundedUnderSlowConsumer floods a turn with
// far more chunks than the old fixed-capacity channel (8) could hold,
// without anyone draining updates in the meantime, then checks every chunk
// still arrives and concatenates to the full text — nothing can be dropped
// just because the reader is slow to start.
func TestEngine_UpdatesDeliveryIsUnboundedUnderSlowConsumer(t *testing.T) {
	_, client := newHarness(t)
	e := New(nil)

	updates, done, err := e.StartTurnStream(context.Background(), client, 9, "thread-1", "hi", "")
	if err != nil {
		t.Fatal(err)
	}

	var want strings.Builder
	for i := 0; i < 40; i++ {
		sentence := fmt.Sprintf("This is sentence number %d in a long unattended stream. ", i)
		want.WriteString(sentence)
		e.HandleDelta("turn-1", sentence)
	}
	e.HandleTurnCompleted("turn-1", "completed", "")

	chunks := drainUpdates(t, updates, 2*time.Second)
	var got strings.Builder
	for _, c := range chunks {
		got.WriteString(c)
	}
	if got.String() != want.String() {
		t.Errorf("delivered chunks don't concatenate to the full text;\ngot:  %q\nwant: %q", got.String(), want.String())
	}

	result := <-done
	if result.Err != nil {
		t.Fatalf("unexpected done error: %v", result.Err)
	}
}

// TestEngine_ConcurrentDeltaAndFinishDoesNotPanic exercises the race between
// a turn's safety timeout firing (which closes the update stream) and
// deltas still arriving on another goroutine — both touch pt.updates, and
// neither must panic on a send to (or double-close of) a closed channel.
func TestEngine_ConcurrentDeltaAndFinishDoesNotPanic(t *testing.T) {
	_, client := newHarness(t)
	e := New(nil)

	updates, done, err := e.StartTurnStream(context.Background(), client, 5, "thread-1", "hi", "")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		for range updates {
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			e.HandleDelta("turn-1", "more text coming in concurrently. ")
		}
	}()
	go func() {
		defer wg.Done()
		e.HandleTurnCompleted("turn-1", "completed", "")
	}()
	wg.Wait()

	<-done
}

func TestEngine_FailAllResolvesEveryPendingTurn(t *testing.T) {
	_, client := newHarness(t)
	e := New(nil)

	_, done1, err := e.StartTurnStream(context.Background(), client, 10, "thread-1", "one", "")
	if err != nil {
		t.Fatal(err)
	}

	e.FailAll()

	result := <-done1
	if result.Err != ErrDisconnected {
		t.Errorf("expected ErrDisconnected, got %v", result.Err)
	}

	e.mu.Lock()
	if len(e.busy) != 0 {
		t.Errorf("expected BusyChats empty after FailAll")
	}
	e.mu.Unlock()
}
