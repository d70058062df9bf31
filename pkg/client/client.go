// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package client implements the C9 symmetric client: a strictly
// synchronous, one-request-in-flight-at-a-time caller that speaks the
// same C1 strict wire codec the server's strict listener does.
package client

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mardi4nfdi/doip-server/pkg/blockjson"
	"github.com/mardi4nfdi/doip-server/pkg/wire"
)

// Options configures how Dial reaches the server.
type Options struct {
	// ConnectTimeout bounds the TCP (and TLS handshake, if any) dial.
	ConnectTimeout time.Duration
	// UseTLS wraps the connection in TLS when true.
	UseTLS bool
	// InsecureSkipVerify disables hostname and chain verification; only
	// meaningful when UseTLS is true.
	InsecureSkipVerify bool
	// MaxFrameBytes caps the per-response allocation guard (see
	// wire.ReadMessageLimit); zero uses wire.DefaultMaxFrameBytes. Raise it
	// to interoperate with a server returning components larger than the
	// default.
	MaxFrameBytes uint64
}

// Client holds one open connection to a strict-listener server. It is not
// safe for concurrent use — one call occupies the connection until its
// response arrives, mirroring the reference design's synchronous caller.
type Client struct {
	conn          net.Conn
	maxFrameBytes uint64
}

// Dial opens a connection to addr (host:port) and returns a ready Client.
func Dial(addr string, opts Options) (*Client, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	if opts.UseTLS {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host, InsecureSkipVerify: opts.InsecureSkipVerify})
		_ = tlsConn.SetDeadline(time.Now().Add(timeout))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("client: TLS handshake with %s: %w", addr, err)
		}
		_ = tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	maxFrameBytes := opts.MaxFrameBytes
	if maxFrameBytes == 0 {
		maxFrameBytes = wire.DefaultMaxFrameBytes
	}
	return &Client{conn: conn, maxFrameBytes: maxFrameBytes}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends req and blocks for the matching response, in strict C1
// framing. A caller-configured read deadline (see SetDeadline) governs
// how long it waits.
func (c *Client) Call(req wire.Message) (wire.Message, error) {
	if err := wire.WriteMessage(c.conn, req); err != nil {
		return wire.Message{}, fmt.Errorf("client: send request: %w", err)
	}
	resp, err := wire.ReadMessageLimit(c.conn, c.maxFrameBytes)
	if err != nil {
		return wire.Message{}, fmt.Errorf("client: read response: %w", err)
	}
	return resp, nil
}

// SetDeadline applies an absolute deadline to the underlying connection
// for the next Call.
func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Hello sends a hello request.
func (c *Client) Hello() (wire.Message, error) {
	md := blockjson.NewObject().Set("operation", "hello").Bytes()
	return c.Call(wire.Message{Type: wire.MsgRequest, Op: wire.OpHello, Metadata: []json.RawMessage{md}})
}

// ListOps sends a list_ops request.
func (c *Client) ListOps() (wire.Message, error) {
	return c.Call(wire.Message{Type: wire.MsgRequest, Op: wire.OpListOps})
}

// Retrieve sends a retrieve request. An empty component fetches the
// manifest; "rocrate" requests the RO-Crate bundle; anything else names a
// component.
func (c *Client) Retrieve(identifier, component string) (wire.Message, error) {
	req := wire.Message{Type: wire.MsgRequest, Op: wire.OpRetrieve, ObjectID: identifier}
	if component != "" {
		md := blockjson.NewObject().Set("element", component).Bytes()
		req.Metadata = []json.RawMessage{md}
	}
	return c.Call(req)
}

// Invoke sends an invoke request for workflow with the given params (may
// be nil, which is sent as an empty JSON object).
func (c *Client) Invoke(identifier, workflow string, params json.RawMessage) (wire.Message, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	md := blockjson.NewObject().
		Set("workflow", workflow).
		SetRaw("params", params).
		Bytes()
	return c.Call(wire.Message{Type: wire.MsgRequest, Op: wire.OpInvoke, ObjectID: identifier, Metadata: []json.RawMessage{md}})
}

// SaveFirstComponent writes resp's first component's content to path,
// creating or truncating it. It is a convenience for CLI-style callers
// consuming a retrieve/invoke response; it returns an error if resp
// carries no component.
func SaveFirstComponent(resp wire.Message, path string) error {
	if len(resp.Components) == 0 {
		return fmt.Errorf("client: response carries no component to save")
	}
	return os.WriteFile(path, resp.Components[0].Content, 0o644)
}
