// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package server implements the C8 connection supervisor: two TCP
// listeners — strict on port P, compat on port P+1 — sharing one
// dispatcher, manifest registry, and blob-store client. Each accepted
// connection is its own goroutine; the strict listener supports
// pipelined requests serialized through a per-connection read/dispatch/
// write loop, the compat listener is one request per connection.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mardi4nfdi/doip-server/pkg/blockjson"
	"github.com/mardi4nfdi/doip-server/pkg/compat"
	"github.com/mardi4nfdi/doip-server/pkg/dispatch"
	"github.com/mardi4nfdi/doip-server/pkg/doiperr"
	"github.com/mardi4nfdi/doip-server/pkg/handlers"
	"github.com/mardi4nfdi/doip-server/pkg/wire"
)

// Config controls how the supervisor binds its listeners.
type Config struct {
	Host string
	// Port is the strict listener's port; the compat listener binds Port+1.
	Port int
	// CertFile/KeyFile, when both name existing files, enable TLS on both
	// listeners per spec §6. Either empty (or missing on disk) means
	// plaintext.
	CertFile string
	KeyFile  string
	// ReadTimeout is the per-read inactivity deadline: zero disables it.
	ReadTimeout time.Duration
	// MaxFrameBytes caps the strict listener's per-frame allocation guard
	// (see wire.ReadMessageLimit); zero uses wire.DefaultMaxFrameBytes.
	// Raise it to interoperate with components larger than the default.
	MaxFrameBytes uint64
}

// Server owns both listeners and the shared dependencies every connection
// dispatches against.
type Server struct {
	cfg           Config
	deps          *handlers.Deps
	logger        *slog.Logger
	tlsConfig     *tls.Config
	maxFrameBytes uint64
}

// New builds a Server. It probes for a certificate/key pair on disk but
// does not bind any socket yet — that happens in Run.
func New(cfg Config, deps *handlers.Deps, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tlsConfig, err := loadTLSConfig(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("server: load TLS config: %w", err)
	}
	maxFrameBytes := cfg.MaxFrameBytes
	if maxFrameBytes == 0 {
		maxFrameBytes = wire.DefaultMaxFrameBytes
	}
	return &Server{cfg: cfg, deps: deps, logger: logger, tlsConfig: tlsConfig, maxFrameBytes: maxFrameBytes}, nil
}

func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}
	if _, err := os.Stat(certFile); err != nil {
		return nil, nil
	}
	if _, err := os.Stat(keyFile); err != nil {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Run binds both listeners and serves until ctx is cancelled, then closes
// both listeners and returns once both accept loops have exited.
// Connections accepted before that are not waited for: they keep being
// served until their peer closes them or a read fails.
func (s *Server) Run(ctx context.Context) error {
	strictLn, err := s.listen(s.cfg.Port)
	if err != nil {
		return fmt.Errorf("server: bind strict listener: %w", err)
	}
	compatLn, err := s.listen(s.cfg.Port + 1)
	if err != nil {
		strictLn.Close()
		return fmt.Errorf("server: bind compat listener: %w", err)
	}

	mode := "plaintext"
	if s.tlsConfig != nil {
		mode = "tls"
	}
	s.logger.Info("listening",
		"strict_addr", strictLn.Addr().String(),
		"compat_addr", compatLn.Addr().String(),
		"mode", mode)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.acceptLoop(ctx, strictLn, s.serveStrict)
	}()
	go func() {
		defer wg.Done()
		s.acceptLoop(ctx, compatLn, s.serveCompat)
	}()

	<-ctx.Done()
	strictLn.Close()
	compatLn.Close()
	wg.Wait()
	return nil
}

func (s *Server) listen(port int) (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, port)
	if s.tlsConfig != nil {
		return tls.Listen("tcp", addr, s.tlsConfig)
	}
	return net.Listen("tcp", addr)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, serve func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept error", "error", err)
			continue
		}
		go serve(conn)
	}
}

// serveStrict runs the IDLE/HEADER_READY/MSG_READY state machine from
// spec §4.8 for one connection, looping to support pipelined requests.
func (s *Server) serveStrict(conn net.Conn) {
	defer conn.Close()
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		req, err := wire.ReadMessageLimit(conn, s.maxFrameBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return // clean close at IDLE
			}
			s.writeStrictMalformed(conn, err)
			return
		}

		resp := dispatch.Dispatch(context.Background(), s.deps, req)
		if err := wire.WriteMessage(conn, resp); err != nil {
			s.logger.Warn("strict write failed", "error", err)
			return
		}
	}
}

func (s *Server) writeStrictMalformed(conn net.Conn, cause error) {
	// Only the Kind and Message of a *doiperr.Error go on the wire; its
	// wrapped cause stays server-side.
	message := cause.Error()
	var de *doiperr.Error
	if errors.As(cause, &de) {
		message = de.Message
	}
	md := blockjson.NewObject().
		Set("error", string(doiperr.KindOf(cause))).
		Set("message", message).
		Bytes()
	resp := wire.Message{Type: wire.MsgError, Metadata: []json.RawMessage{md}}
	if err := wire.WriteMessage(conn, resp); err != nil {
		s.logger.Warn("strict malformed-frame write failed", "error", err)
	}
}

// serveCompat handles exactly one request/response cycle per spec §4.8's
// one-shot compat behavior, then closes.
func (s *Server) serveCompat(conn net.Conn) {
	defer conn.Close()
	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	segments, err := compat.ReadSegments(conn)
	if err != nil {
		s.logger.Warn("compat read failed", "error", err)
		return
	}
	if len(segments) == 0 {
		return
	}

	req, err := compat.DecodeRequest(segments[0])
	if err != nil {
		md := blockjson.NewObject().
			Set("error", string(doiperr.KindOf(err))).
			Set("message", err.Error()).
			Bytes()
		resp := wire.Message{Type: wire.MsgError, Metadata: []json.RawMessage{md}}
		_ = compat.WriteSegments(conn, compat.EncodeResponse(resp))
		return
	}

	resp := dispatch.Dispatch(context.Background(), s.deps, req)
	if err := compat.WriteSegments(conn, compat.EncodeResponse(resp)); err != nil {
		s.logger.Warn("compat write failed", "error", err)
	}
}
