// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

package equationextraction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mardi4nfdi/doip-server/pkg/blobstore/memory"
)

// TestRun_S5Invoke mirrors scenario S5: invoking without a stored primary
// PDF still yields a derived component whose bytes are retrievable from
// the blob store afterward.
func TestRun_S5Invoke(t *testing.T) {
	blob := memory.New()
	r := New(blob, "main", nil, nil)

	result, err := r.Run(context.Background(), "Q123", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Workflow != "equation_extraction" || result.SourceObject != "Q123" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.DerivedComponents) != 1 {
		t.Fatalf("expected one derived component, got %d", len(result.DerivedComponents))
	}
	dc := result.DerivedComponents[0]
	if dc.ComponentID != "doip:bitstream/Q123/equations-json" {
		t.Errorf("got component id %q", dc.ComponentID)
	}
	if dc.MediaType != "application/json" {
		t.Errorf("got media type %q", dc.MediaType)
	}

	stored, err := blob.Get(context.Background(), dc.S3Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != dc.Size {
		t.Errorf("stored size %d != reported size %d", len(stored), dc.Size)
	}
}

func TestExtractEquations_EmptyPDFFallsBackToMock(t *testing.T) {
	eqs := extractEquations(nil)
	if len(eqs) != 2 {
		t.Fatalf("got %d equations, want 2", len(eqs))
	}
	if eqs[0].Page != 1 || eqs[1].Page != 2 {
		t.Errorf("unexpected pages: %+v", eqs)
	}
}

func TestExtractEquations_UnparseableBytesFallsBackToMock(t *testing.T) {
	eqs := extractEquations([]byte("not a pdf"))
	if len(eqs) != 2 {
		t.Fatalf("got %d equations, want 2", len(eqs))
	}
}

// TestRun_LLMEnrichmentReplacesMockEquations exercises WithLLM against a
// fake OpenAI-compatible chat completions endpoint that returns refined
// LaTeX for the two mocked equations.
func TestRun_LLMEnrichmentReplacesMockEquations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refined := `[{"page":1,"latex":"E = mc^{2}"},{"page":2,"latex":"\\int_a^b f(x)\\,dx"}]`
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "llama3",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]any{"role": "assistant", "content": refined},
				},
			},
		})
	}))
	defer srv.Close()

	blob := memory.New()
	r := New(blob, "main", nil, nil, WithLLM(srv.URL, "", "llama3"))

	result, err := r.Run(context.Background(), "Q123", nil)
	if err != nil {
		t.Fatal(err)
	}
	dc := result.DerivedComponents[0]
	stored, err := blob.Get(context.Background(), dc.S3Key)
	if err != nil {
		t.Fatal(err)
	}
	var got []equation
	if err := json.Unmarshal(stored, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Latex != "E = mc^{2}" {
		t.Fatalf("expected LLM-refined equations, got %+v", got)
	}
}

// TestRun_LLMFailureDegradesToMock confirms an unreachable enrichment
// endpoint never fails the workflow.
func TestRun_LLMFailureDegradesToMock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	srv.Close() // closed immediately: connection refused on every call

	blob := memory.New()
	r := New(blob, "main", nil, nil, WithLLM(srv.URL, "", "llama3"))

	result, err := r.Run(context.Background(), "Q123", nil)
	if err != nil {
		t.Fatal(err)
	}
	dc := result.DerivedComponents[0]
	stored, err := blob.Get(context.Background(), dc.S3Key)
	if err != nil {
		t.Fatal(err)
	}
	var got []equation
	if err := json.Unmarshal(stored, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Latex != "E=mc^2" {
		t.Fatalf("expected mock fallback equations, got %+v", got)
	}
}
