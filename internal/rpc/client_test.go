package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type fakeSender struct {
	sent []any
}

func (f *fakeSender) Send(v any) error {
	f.sent = append(f.sent, v)
	return nil
}

func TestClient_CallResolvesOnMatchingID(t *testing.T) {
	sender := &fakeSender{}
	c := NewClient(sender)

	done := make(chan struct{})
	var result []byte
	var callErr error
	go func() {
		result, callErr = c.Call(context.Background(), "initialize", map[string]string{"a": "b"})
		close(done)
	}()

	// Wait for the request to land, then resolve it the way a dispatcher would.
	deadline := time.After(time.Second)
	for len(sender.sent) == 0 {
		select {
		case <-deadline:
			t.Fatal("request never sent")
		default:
		}
	}

	req := sender.sent[0].(request)
	id := req.ID
	c.Resolve(Envelope{ID: &id, Result: json.RawMessage(`{"ok":true}`)})

	<-done
	if callErr != nil {
		t.Fatalf("Call error: %v", callErr)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s", result)
	}
}

func TestClient_CallResolvesWithError(t *testing.T) {
	sender := &fakeSender{}
	c := NewClient(sender)

	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = c.Call(context.Background(), "thread/start", nil)
		close(done)
	}()

	for len(sender.sent) == 0 {
	}
	id := sender.sent[0].(request).ID
	c.Resolve(Envelope{ID: &id, Error: &Error{Code: -32000, Message: "no rollout found for thread id abc"}})

	<-done
	if callErr == nil {
		t.Fatal("expected error")
	}
}

func TestClient_CallTimesOutOnContextCancel(t *testing.T) {
	sender := &fakeSender{}
	c := NewClient(sender)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, "turn/start", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestClient_FailAllUnblocksPendingCalls(t *testing.T) {
	sender := &fakeSender{}
	c := NewClient(sender)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "turn/start", nil)
		errCh <- err
	}()

	for len(sender.sent) == 0 {
	}
	c.FailAll(context.DeadlineExceeded)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error from FailAll")
		}
	case <-time.After(time.Second):
		t.Fatal("Call never returned after FailAll")
	}
}

func TestClient_NotifySendsWithoutID(t *testing.T) {
	sender := &fakeSender{}
	c := NewClient(sender)
	if err := c.Notify("notifications/initialized", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sender.sent))
	}
	if _, ok := sender.sent[0].(notification); !ok {
		t.Errorf("expected notification type, got %T", sender.sent[0])
	}
}
