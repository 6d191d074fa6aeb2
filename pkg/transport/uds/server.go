package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// writeTimeout bounds a write to a slow client.
const writeTimeout = 2 * time.Second

// HandlerFunc processes a request and returns a response data payload or error.
type HandlerFunc func(ctx context.Context, req Message) (any, error)

type client struct {
	conn net.Conn
	mu   sync.Mutex // serializes writes
}

func (c *client) write(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(line)
	return err
}

// Server listens on a Unix domain socket and dispatches NDJSON messages.
type Server struct {
	socketPath string
	listener   net.Listener
	handlers   map[string]HandlerFunc
	clients    map[*client]struct{}
	ready      chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewServer creates a new UDS server.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		clients:    make(map[*client]struct{}),
		ready:      make(chan struct{}),
		logger:     logger,
	}
}

// Handle registers a handler for a method. Call before Start.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// Ready is closed once the socket accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Start listens and serves until ctx is cancelled. It removes any stale
// socket file first. The socket is only accessible to the owning user.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("server listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept error", "err", err)
			continue
		}
		c := &client{conn: conn}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(ctx, c)
	}
}

// Broadcast sends an event to all connected clients. A client that cannot
// keep up is disconnected.
func (s *Server) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("broadcast marshal error", "err", err)
		return
	}
	line := append(data, '\n')

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if err := c.write(line); err != nil {
			s.logger.Warn("broadcast write error, dropping client", "err", err)
			c.conn.Close()
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown cleanly stops the server.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	os.Remove(s.socketPath)
}

func (s *Server) handleConn(ctx context.Context, c *client) {
	defer func() {
		c.conn.Close()
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Warn("invalid message", "err", err)
			continue
		}
		if msg.Type != MsgTypeReq {
			continue
		}

		handler, ok := s.handlers[msg.Method]
		if !ok {
			s.reply(c, NewErrorResponse(msg.ID, msg.Method, fmt.Sprintf("unknown method: %s", msg.Method)))
			continue
		}

		result, err := handler(ctx, msg)
		if err != nil {
			s.reply(c, NewErrorResponse(msg.ID, msg.Method, err.Error()))
			continue
		}
		resp, err := NewResponse(msg.ID, msg.Method, result)
		if err != nil {
			resp = NewErrorResponse(msg.ID, msg.Method, err.Error())
		}
		s.reply(c, resp)
	}
}

func (s *Server) reply(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal response error", "err", err)
		return
	}
	if err := c.write(append(data, '\n')); err != nil {
		s.logger.Warn("write response error", "err", err)
	}
}
