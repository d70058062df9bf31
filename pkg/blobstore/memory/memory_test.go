// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/mardi4nfdi/doip-server/pkg/doiperr"
)

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Put(ctx, "main/00/01/23/Q123/components/primary.pdf", []byte("bytes"), "application/pdf"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "main/00/01/23/Q123/components/primary.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "bytes" {
		t.Errorf("got %q, want %q", got, "bytes")
	}
}

func TestStore_GetMissingKey(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "nope")
	if doiperr.KindOf(err) != doiperr.ComponentNotFound {
		t.Errorf("got kind %q, want ComponentNotFound", doiperr.KindOf(err))
	}
}

func TestStore_EnsureAvailable(t *testing.T) {
	s := New()
	if !s.EnsureAvailable(context.Background()) {
		t.Error("expected a fresh store to be available")
	}
	s.SetAvailable(false)
	if s.EnsureAvailable(context.Background()) {
		t.Error("expected SetAvailable(false) to take effect")
	}
}

func TestStore_ListRelativeToPrefix(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.Put(ctx, "main/components/a", nil, "")
	_, _ = s.Put(ctx, "main/components/b", nil, "")
	_, _ = s.Put(ctx, "other/c", nil, "")

	keys, err := s.List(ctx, "main/components/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2: %v", len(keys), keys)
	}
}
