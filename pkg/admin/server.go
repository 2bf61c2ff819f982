package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/metrics"
	"github.com/rerobots/hardshare/pkg/types"
)

// ReplyDeadline bounds how long a request waits on the controller.
const ReplyDeadline = 10 * time.Second

// Handler processes one admin request. Implementations forward into the
// controller inbox and must respect ctx.
type Handler func(ctx context.Context, req Request) Response

// Server serves the admin socket for one WD.
type Server struct {
	wd       string
	wdPrefix string
	handler  Handler
	logger   zerolog.Logger

	listener net.Listener
}

// NewServer creates the socket, reaping a stale one first. Failure to
// bind is fatal to daemon startup.
func NewServer(wdID, wdPrefix string, handler Handler) (*Server, error) {
	path := SocketPath(wdPrefix)

	if err := os.MkdirAll(SocketDir(), 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if err := reapStale(path); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin socket %s: %w", path, err)
	}

	return &Server{
		wd:       wdID,
		wdPrefix: wdPrefix,
		handler:  handler,
		logger:   log.WithComponent("admin").With().Str("wd", wdID).Logger(),
		listener: ln,
	}, nil
}

// reapStale removes a leftover socket that nothing is listening on. A
// live listener means another daemon owns this WD.
func reapStale(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("admin socket %s is already in use", path)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	return nil
}

// Serve accepts connections until ctx is canceled.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("admin accept failed")
			return
		}
		go s.handleConn(ctx, conn)
	}
}

// Close removes the socket.
func (s *Server) Close() {
	s.listener.Close()
	os.Remove(SocketPath(s.wdPrefix))
}

// handleConn serves one connection: newline-delimited JSON requests,
// one JSON response line each.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(Response{Err: "malformed request"})
			continue
		}
		if req.WDeployment == "" {
			req.WDeployment = s.wd
		}

		metrics.AdminRequestsTotal.WithLabelValues(req.Cmd).Inc()

		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

// dispatch runs the handler under the reply deadline.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	reqCtx, cancel := context.WithTimeout(ctx, ReplyDeadline)
	defer cancel()

	done := make(chan Response, 1)
	go func() {
		done <- s.handler(reqCtx, req)
	}()

	select {
	case resp := <-done:
		return resp
	case <-reqCtx.Done():
		s.logger.Warn().Str("cmd", req.Cmd).Msg("admin request timed out")
		return Response{Err: types.ErrTimeout.Error()}
	}
}
