// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mardi4nfdi/doip-server/pkg/blobstore/memory"
	"github.com/mardi4nfdi/doip-server/pkg/handlers"
	"github.com/mardi4nfdi/doip-server/pkg/manifest"
	"github.com/mardi4nfdi/doip-server/pkg/shard"
	"github.com/mardi4nfdi/doip-server/pkg/wire"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func startTestServer(t *testing.T) (port int, blob *memory.Store, shutdown func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"kernel":{"fdo:hasComponent":[{"componentId":"primary","mediaType":"application/pdf"}]}}`))
	}))
	t.Cleanup(srv.Close)

	blob = memory.New()
	deps := &handlers.Deps{Manifest: manifest.New(srv.URL, blob, "main"), Blob: blob, ServerName: "doip-test"}

	port = freePort(t)
	s, err := New(Config{Host: "127.0.0.1", Port: port}, deps, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	// Give the listeners a moment to bind.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("tcp", addrFor("127.0.0.1", port), 50*time.Millisecond); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return port, blob, func() {
		cancel()
		<-done
	}
}

func addrFor(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// TestServer_S1HelloOverStrictListener mirrors scenario S1.
func TestServer_S1HelloOverStrictListener(t *testing.T) {
	port, _, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := net.DialTimeout("tcp", addrFor("127.0.0.1", port), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	md, _ := json.Marshal(map[string]string{"operation": "hello"})
	req := wire.Message{Type: wire.MsgRequest, Op: wire.OpHello, Metadata: []json.RawMessage{md}}
	if err := wire.WriteMessage(conn, req); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := wire.ReadMessage(conn)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Type != wire.MsgResponse || resp.Op != wire.OpHello {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gjson.GetBytes(resp.Metadata[0], "status").String() != "ok" {
		t.Errorf("unexpected metadata: %s", resp.Metadata[0])
	}
}

// TestServer_StrictListenerPipelinesRequests confirms a second request on
// the same connection is answered after the first, in order.
func TestServer_StrictListenerPipelinesRequests(t *testing.T) {
	port, _, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := net.DialTimeout("tcp", addrFor("127.0.0.1", port), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	for i := 0; i < 2; i++ {
		if err := wire.WriteMessage(conn, wire.Message{Type: wire.MsgRequest, Op: wire.OpHello}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		resp, err := wire.ReadMessage(conn)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Op != wire.OpHello {
			t.Fatalf("request %d: unexpected op %v", i, resp.Op)
		}
	}
}

// TestServer_S6CompatRetrieveOverCompatListener mirrors scenario S6.
func TestServer_S6CompatRetrieveOverCompatListener(t *testing.T) {
	port, blob, shutdown := startTestServer(t)
	defer shutdown()

	key, err := shard.ComponentKey("main", "Q123", "primary", "pdf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := blob.Put(context.Background(), key, []byte("%PDF-1.4 ..."), "application/pdf"); err != nil {
		t.Fatal(err)
	}

	conn, err := net.DialTimeout("tcp", addrFor("127.0.0.1", port+1), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	reqBody := []byte(`{"targetId":"Q123","operationId":2,"attributes":{"element":"primary"}}`)
	writeSegment(t, conn, reqBody)
	writeSegment(t, conn, nil)

	seg0 := readSegment(t, conn)
	seg1 := readSegment(t, conn)
	terminator := readSegment(t, conn)
	if len(terminator) != 0 {
		t.Fatalf("expected zero-length terminator, got %d bytes", len(terminator))
	}

	if gjson.GetBytes(seg0, "status").String() != "success" {
		t.Fatalf("expected success status, got: %s", seg0)
	}
	if gjson.GetBytes(seg0, "attributes.filename").String() != "primary" {
		t.Errorf("unexpected attributes: %s", seg0)
	}
	if string(seg1) != "%PDF-1.4 ..." {
		t.Errorf("unexpected component bytes: %q", seg1)
	}
}

func writeSegment(t *testing.T, w io.Writer, body []byte) {
	t.Helper()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		t.Fatal(err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			t.Fatal(err)
		}
	}
}

func readSegment(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		t.Fatal(err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestServer_MalformedFrameClosesConnectionAfterErrorEnvelope(t *testing.T) {
	port, _, shutdown := startTestServer(t)
	defer shutdown()

	conn, err := net.DialTimeout("tcp", addrFor("127.0.0.1", port), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	// A version byte that is not 0x02 anywhere in a 10-byte header.
	bogus := bytes.Repeat([]byte{0xFF}, 10)
	if _, err := conn.Write(bogus); err != nil {
		t.Fatal(err)
	}

	resp, err := wire.ReadMessage(conn)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Type != wire.MsgError {
		t.Fatalf("expected error envelope, got %+v", resp)
	}

	if _, err := wire.ReadMessage(conn); err != io.EOF {
		t.Errorf("expected the server to close the connection, got %v", err)
	}
}
