// Package server exposes the controller over a websocket: events are
// broadcast to every client as JSON messages and clients send JSON commands.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// CommandHandler executes a client command. The result, if any, is sent back
// to that client as a "<type>_result" message.
type CommandHandler interface {
	Handle(cmd Command) (any, error)
}

type Server struct {
	Hub        *Hub
	logger     *logrus.Logger
	handler    CommandHandler
	snapshot   func() []Message
	httpServer *http.Server

	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewServer creates a server listening on addr. snapshot, when set, provides
// the messages a newly connected client receives before any broadcast.
func NewServer(addr string, allowedOrigins []string, snapshot func() []Message, logger *logrus.Logger) *Server {
	s := &Server{
		Hub:            NewHub(logger),
		logger:         logger,
		snapshot:       snapshot,
		allowedOrigins: allowedOrigins,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.httpServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *Server) SetHandler(h CommandHandler) {
	s.handler = h
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe runs the hub and the HTTP server until Shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.Hub.Run(ctx)
	s.logger.WithField("addr", s.httpServer.Addr).Info("Server: listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	s.logger.WithField("origin", origin).Warn("Server: websocket origin rejected")
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Server: websocket upgrade failed")
		return
	}
	c := &client{conn: conn}

	if s.snapshot != nil {
		for _, msg := range s.snapshot() {
			if err := c.send(msg); err != nil {
				conn.Close()
				return
			}
		}
	}

	if !s.Hub.add(c) {
		conn.Close()
		return
	}
	defer s.Hub.remove(c)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reply := s.dispatch(raw)
		if err := c.send(reply); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(raw []byte) Message {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return NewMessage("error", ErrorPayload{Error: "malformed command: " + err.Error()})
	}
	if s.handler == nil {
		return NewMessage("error", ErrorPayload{Command: cmd.Type, Error: "no command handler"})
	}
	result, err := s.handler.Handle(cmd)
	if err != nil {
		s.logger.WithError(err).WithField("command", cmd.Type).Warn("Server: command failed")
		return NewMessage("error", ErrorPayload{Command: cmd.Type, Error: err.Error()})
	}
	return NewMessage(cmd.Type+"_result", result)
}
