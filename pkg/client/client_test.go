// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/mardi4nfdi/doip-server/pkg/blobstore/memory"
	"github.com/mardi4nfdi/doip-server/pkg/handlers"
	"github.com/mardi4nfdi/doip-server/pkg/manifest"
	"github.com/mardi4nfdi/doip-server/pkg/server"
	"github.com/mardi4nfdi/doip-server/pkg/shard"
	"github.com/mardi4nfdi/doip-server/pkg/wire"
	"github.com/mardi4nfdi/doip-server/pkg/workflow"
	"github.com/mardi4nfdi/doip-server/pkg/workflow/equationextraction"
)

// testBlob backs every server startServer starts. The workflow registry is
// process-wide and keeps the first runner registered, so that runner and
// each server's handlers must share one store.
var testBlob = memory.New()

func startServer(t *testing.T) (addr string, blob *memory.Store) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"kernel":{"fdo:hasComponent":[{"componentId":"primary","mediaType":"application/pdf"}]}}`))
	}))
	t.Cleanup(srv.Close)

	blob = testBlob
	deps := &handlers.Deps{Manifest: manifest.New(srv.URL, blob, "main"), Blob: blob, ServerName: "doip-test"}

	if len(workflow.Runners.Available()) == 0 {
		workflow.Runners.Register("equation_extraction", func(_ context.Context, _ map[string]string) (workflow.Runner, error) {
			return equationextraction.New(blob, "main", nil, nil), nil
		})
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s, err := server.New(server.Config{Host: "127.0.0.1", Port: port}, deps, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	addr = "127.0.0.1:" + strconv.Itoa(port)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond); err == nil {
			conn.Close()
			return addr, blob
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never started listening")
	return "", nil
}

func TestClient_Hello(t *testing.T) {
	addr, _ := startServer(t)
	c, err := Dial(addr, Options{ConnectTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))

	resp, err := c.Hello()
	if err != nil {
		t.Fatal(err)
	}
	if resp.Op != wire.OpHello || resp.Type != wire.MsgResponse {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClient_RetrieveComponentAndSave(t *testing.T) {
	addr, blob := startServer(t)
	key, err := shard.ComponentKey("main", "Q123", "primary", "pdf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := blob.Put(context.Background(), key, []byte("%PDF-1.4 ..."), "application/pdf"); err != nil {
		t.Fatal(err)
	}

	c, err := Dial(addr, Options{ConnectTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))

	resp, err := c.Retrieve("Q123", "primary")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Components) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	path := t.TempDir() + "/primary.pdf"
	if err := SaveFirstComponent(resp, path); err != nil {
		t.Fatal(err)
	}
}

func TestClient_ListOpsThenInvoke(t *testing.T) {
	addr, _ := startServer(t)
	c, err := Dial(addr, Options{ConnectTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := c.ListOps(); err != nil {
		t.Fatal(err)
	}

	resp, err := c.Invoke("Q123", "equation_extraction", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Op != wire.OpInvoke || len(resp.Workflows) != 1 {
		t.Fatalf("unexpected invoke response: %+v", resp)
	}
}
