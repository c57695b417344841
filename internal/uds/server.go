package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type HandlerFunc func(ctx context.Context, req *Request) *Response

// Observer is told about every processed request. code is empty on success.
type Observer func(command, code string, elapsed time.Duration)

type Server struct {
	socketPath  string
	listener    net.Listener
	connTimeout time.Duration
	logger      *zap.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	observe  Observer

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(socketPath string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		connTimeout: 30 * time.Second,
		logger:      logger.Named("uds"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetConnTimeout bounds both the connection deadline and the handler context.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) SetObserver(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observe = fn
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Commands returns the registered command names in sorted order.
func (s *Server) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start listens on the socket path. A stale socket file is removed first;
// callers hold the data dir lock, so no live daemon can own it.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Debug("control socket listening", zap.String("path", s.socketPath))
	return nil
}

// Stop closes the listener, cancels in-flight handler contexts and waits for
// open connections to finish.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debug("read request failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.connTimeout)
	defer cancel()
	resp := s.dispatch(ctx, &req)
	resp.RequestID = req.RequestID

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Debug("write response failed",
			zap.String("command", req.Command),
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	start := time.Now()
	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	observe := s.observe
	s.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in command handler",
				zap.String("command", req.Command),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s: handler panic", req.Command))
		}
		code := ""
		if resp.Error != nil {
			code = resp.Error.Code
		}
		if observe != nil {
			observe(req.Command, code, time.Since(start))
		}
		s.logger.Debug("command handled",
			zap.String("command", req.Command),
			zap.String("request_id", req.RequestID),
			zap.String("code", code),
			zap.Duration("elapsed", time.Since(start)))
	}()

	switch {
	case req.ProtocolVersion != ProtocolVersion:
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	case !ok:
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	return handler(ctx, req)
}
