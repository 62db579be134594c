// Package dispatch classifies decoded JSON-RPC envelopes coming off the
// subprocess and routes each to the right place: responses resolve a
// pending Client.Call, inbound requests get an automatic policy reply
// (this bridge never prompts a human mid-turn), and notifications fan out
// to registered handlers by method name.
package dispatch

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/basket/codexbridge/internal/rpc"
)

// NotificationHandler processes one notification's params. It must not
// block for long — it runs on the single dispatch loop goroutine.
type NotificationHandler func(method string, params json.RawMessage)

// approvalMethods are inbound requests this bridge always declines: it
// runs turns with approvalPolicy "never" and sandbox "read-only", so any
// approval prompt reaching here is the subprocess asking for something
// broader than the policy it was given, and the safe default is no.
var approvalMethods = map[string]bool{
	"applyPatchApproval":                    true,
	"execCommandApproval":                   true,
	"item/commandExecution/requestApproval": true,
	"item/fileChange/requestApproval":       true,
	"skill/requestApproval":                 true,
}

// Dispatcher is the Protocol Dispatcher component: it owns no state about
// threads or turns, only the classify-and-route policy.
type Dispatcher struct {
	client           *rpc.Client
	logger           *slog.Logger
	handlers         map[string]NotificationHandler
	itemDeltaHandler NotificationHandler
}

// New builds a Dispatcher that replies through client for inbound requests
// and calls registered handlers for notifications.
func New(client *rpc.Client, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:   client,
		logger:   logger,
		handlers: make(map[string]NotificationHandler),
	}
}

// OnNotification registers fn for the given method. Registering twice for
// the same method replaces the previous handler.
func (d *Dispatcher) OnNotification(method string, fn NotificationHandler) {
	d.handlers[method] = fn
}

// OnItemDelta registers the handler for every "item/*/delta" notification
// — the method name's middle segment names the item kind
// (agentMessage, reasoning, ...), which this bridge doesn't need to
// distinguish since only the turn id and delta text matter for chunking.
func (d *Dispatcher) OnItemDelta(fn NotificationHandler) {
	d.itemDeltaHandler = fn
}

// Run consumes envelopes until the channel closes (the supervisor closes
// it when the subprocess's stdout ends). It returns when that happens.
func (d *Dispatcher) Run(envelopes <-chan rpc.Envelope) {
	for env := range envelopes {
		d.handle(env)
	}
}

func (d *Dispatcher) handle(env rpc.Envelope) {
	switch env.Classify() {
	case rpc.KindResponse:
		d.client.Resolve(env)
	case rpc.KindRequest:
		d.handleInboundRequest(env)
	case rpc.KindNotification:
		d.handleNotification(env)
	default:
		d.logger.Warn("dispatch: unclassifiable envelope", "method", env.Method)
	}
}

func (d *Dispatcher) handleInboundRequest(env rpc.Envelope) {
	if env.ID == nil {
		return
	}
	id := *env.ID

	if approvalMethods[env.Method] {
		if err := d.client.Reply(id, map[string]any{"decision": "decline"}, nil); err != nil {
			d.logger.Warn("dispatch: reply to approval request failed", "method", env.Method, "error", err)
		}
		return
	}
	if env.Method == "item/tool/requestUserInput" {
		if err := d.client.Reply(id, map[string]any{"answers": map[string]any{}}, nil); err != nil {
			d.logger.Warn("dispatch: reply to requestUserInput failed", "error", err)
		}
		return
	}

	// Anything else gets no reply at all: replying with an error to a
	// method this bridge doesn't recognize risks the subprocess blocking
	// on a response shape it never expected back.
	d.logger.Debug("dispatch: dropping unknown inbound request", "method", env.Method)
}

func (d *Dispatcher) handleNotification(env rpc.Envelope) {
	if strings.HasPrefix(env.Method, "item/") && strings.HasSuffix(env.Method, "/delta") {
		if d.itemDeltaHandler != nil {
			d.itemDeltaHandler(env.Method, env.Params)
		}
		return
	}

	fn, ok := d.handlers[env.Method]
	if !ok {
		d.logger.Debug("dispatch: unhandled notification", "method", env.Method)
		return
	}
	fn(env.Method, env.Params)
}
