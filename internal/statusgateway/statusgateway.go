// Package statusgateway is a loopback-only HTTP+WS server that exposes the
// bridge's status and lets an operator watch an in-flight turn's chunk
// stream without a live chat transport. It's observability tooling, not a
// second chat transport.
package statusgateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// StatusView is the minimal surface this package reads from Core. A
// narrow interface keeps it from depending on internal/core.
type StatusView interface {
	Status() any
	BusyChatCount() int
}

// TurnWatcher lets the gateway subscribe to a chat's in-flight turn
// updates, if any. ok is false when the chat has no turn running.
type TurnWatcher interface {
	WatchChat(chatID int64) (updates <-chan string, ok bool)
}

// Config configures a Server.
type Config struct {
	Status  StatusView
	Watcher TurnWatcher
	Logger  *slog.Logger
}

// Server is the status gateway's HTTP handler.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Server. Call Handler to get the http.Handler to serve.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler builds the mux of /status and /ws routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

type statusResponse struct {
	Status    any `json:"status"`
	BusyChats int `json:"busy_chats"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := statusResponse{}
	if s.cfg.Status != nil {
		resp.Status = s.cfg.Status.Status()
		resp.BusyChats = s.cfg.Status.BusyChatCount()
	}
	_ = json.NewEncoder(w).Encode(resp)
}

type wsFrame struct {
	Chunk string `json:"chunk,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.URL.Query().Get("chat_id"), 10, 64)
	if err != nil {
		http.Error(w, "chat_id must be an integer", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if s.cfg.Watcher == nil {
		_ = wsjson.Write(r.Context(), conn, wsFrame{Done: true})
		return
	}
	updates, ok := s.cfg.Watcher.WatchChat(chatID)
	if !ok {
		_ = wsjson.Write(r.Context(), conn, wsFrame{Done: true})
		return
	}

	ctx := r.Context()
	for {
		select {
		case chunk, open := <-updates:
			if !open {
				_ = wsjson.Write(ctx, conn, wsFrame{Done: true})
				return
			}
			if err := wsjson.Write(ctx, conn, wsFrame{Chunk: chunk}); err != nil {
				s.logger.Warn("statusgateway: write failed, closing", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
