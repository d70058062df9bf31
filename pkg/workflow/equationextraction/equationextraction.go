// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package equationextraction implements the only workflow the server
// ships with: pulling an object's primary PDF, mocking equation
// recognition over its pages, storing the result as a derived JSON
// component, and best-effort registering a MediaWiki item for it.
package equationextraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mardi4nfdi/doip-server/pkg/blobstore"
	"github.com/mardi4nfdi/doip-server/pkg/doiperr"
	"github.com/mardi4nfdi/doip-server/pkg/mediawiki"
	"github.com/mardi4nfdi/doip-server/pkg/shard"
	"github.com/mardi4nfdi/doip-server/pkg/workflow"
)

// sampleLatex cycles through a handful of plausible equations when a
// real PDF is available to page-count but not to actually recognize.
var sampleLatex = []string{
	"E=mc^2",
	`\int_a^b f(x) dx`,
	"a^2+b^2=c^2",
	`\nabla \cdot E = \rho/\epsilon_0`,
}

type equation struct {
	Page  int    `json:"page"`
	Latex string `json:"latex"`
}

// Runner implements workflow.Runner for "equation_extraction".
type Runner struct {
	blob      blobstore.Client
	branch    string
	mediawiki *mediawiki.Client // nil disables item creation
	logger    *slog.Logger

	llm      *openai.Client // nil disables LLM enrichment
	llmModel string
}

var _ workflow.Runner = (*Runner)(nil)

// Option customizes a Runner built by New.
type Option func(*Runner)

// WithLLM enables best-effort LLM enrichment of the mocked recognition
// pass through any OpenAI-compatible chat completions endpoint — Ollama,
// vLLM, or OpenAI itself. baseURL is required to enable it; apiKey may be
// empty for backends like Ollama that don't check one. An empty baseURL
// leaves LLM enrichment disabled.
func WithLLM(baseURL, apiKey, model string) Option {
	return func(r *Runner) {
		if baseURL == "" {
			return
		}
		opts := []option.RequestOption{option.WithBaseURL(baseURL)}
		if apiKey != "" {
			opts = append(opts, option.WithAPIKey(apiKey))
		} else {
			opts = append(opts, option.WithAPIKey("dummy"))
		}
		client := openai.NewClient(opts...)
		r.llm = &client
		if model != "" {
			r.llmModel = model
		}
	}
}

// New builds a Runner. mw may be nil to skip MediaWiki item creation
// entirely.
func New(blob blobstore.Client, branch string, mw *mediawiki.Client, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{blob: blob, branch: branch, mediawiki: mw, logger: logger, llmModel: "llama3"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run fetches identifier's "primary" component (best-effort — a missing
// component still produces a mocked result), extracts equations, stores
// them as a derived component, and returns the workflow result.
func (r *Runner) Run(ctx context.Context, identifier string, params json.RawMessage) (workflow.Result, error) {
	pdfBytes, err := r.fetchPrimaryPDF(ctx, identifier)
	if err != nil {
		return workflow.Result{}, err
	}

	equations := extractEquations(pdfBytes)
	if r.llm != nil {
		equations = r.enrichWithLLM(ctx, identifier, equations)
	}
	equationsJSON, err := json.Marshal(equations)
	if err != nil {
		return workflow.Result{}, doiperr.Wrap(doiperr.StorageError, err, "marshal extracted equations")
	}

	derivedID := fmt.Sprintf("doip:bitstream/%s/equations-json", identifier)
	key, err := shard.ComponentKey(r.branch, identifier, derivedID, "json")
	if err != nil {
		return workflow.Result{}, err
	}
	s3Key, err := r.blob.Put(ctx, key, equationsJSON, "application/json")
	if err != nil {
		return workflow.Result{}, doiperr.Wrap(doiperr.StorageError, err, "store derived component %s", derivedID)
	}

	var createdItems []string
	if r.mediawiki != nil {
		latex := make([]string, len(equations))
		for i, eq := range equations {
			latex[i] = eq.Latex
		}
		item := r.mediawiki.CreateEquationItem(ctx, identifier, strings.Join(latex, "; "), map[string]any{"source": identifier})
		createdItems = append(createdItems, item)
	}

	return workflow.Result{
		Workflow:     "equation_extraction",
		SourceObject: identifier,
		DerivedComponents: []workflow.DerivedComponent{
			{ComponentID: derivedID, MediaType: "application/json", S3Key: s3Key, Size: len(equationsJSON)},
		},
		CreatedItems: createdItems,
	}, nil
}

// enrichWithLLM asks the configured chat-completions endpoint to refine
// the mocked equations into tidier LaTeX. It is best-effort: any failure
// to call the endpoint or parse its response leaves draft unchanged, so
// an unreachable or misconfigured Ollama/vLLM backend never fails the
// workflow.
func (r *Runner) enrichWithLLM(ctx context.Context, identifier string, draft []equation) []equation {
	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return draft
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(r.llmModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You clean up OCR-extracted LaTeX equations. " +
				"Reply with only a JSON array of objects shaped {\"page\":int,\"latex\":string}, " +
				"one entry per input entry, in the same order, with the same page numbers."),
			openai.UserMessage(fmt.Sprintf("Object %s, draft equations: %s", identifier, draftJSON)),
		},
	}

	completion, err := r.llm.Chat.Completions.New(ctx, params)
	if err != nil || len(completion.Choices) == 0 {
		r.logger.Warn("equation_extraction: LLM enrichment unavailable, using mock equations", "identifier", identifier, "error", err)
		return draft
	}

	var refined []equation
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &refined); err != nil || len(refined) != len(draft) {
		r.logger.Warn("equation_extraction: LLM returned unparseable equations, using mock equations", "identifier", identifier)
		return draft
	}
	return refined
}

func (r *Runner) fetchPrimaryPDF(ctx context.Context, identifier string) ([]byte, error) {
	key, err := shard.ComponentKey(r.branch, identifier, "primary", "pdf")
	if err != nil {
		return nil, err
	}
	data, err := r.blob.Get(ctx, key)
	if err != nil {
		if doiperr.KindOf(err) == doiperr.ComponentNotFound {
			r.logger.Info("equation_extraction: no primary PDF, using mock equations", "identifier", identifier)
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// extractEquations mocks recognition: with a parseable PDF it emits one
// sample equation per page; otherwise it falls back to the reference
// stub's fixed two-equation mock.
func extractEquations(pdfBytes []byte) []equation {
	if len(pdfBytes) == 0 {
		return mockEquations()
	}
	reader, err := pdf.NewReader(bytes.NewReader(pdfBytes), int64(len(pdfBytes)))
	if err != nil {
		return mockEquations()
	}
	pages := reader.NumPage()
	if pages <= 0 {
		return mockEquations()
	}
	out := make([]equation, 0, pages)
	for i := 1; i <= pages; i++ {
		out = append(out, equation{Page: i, Latex: sampleLatex[(i-1)%len(sampleLatex)]})
	}
	return out
}

func mockEquations() []equation {
	return []equation{
		{Page: 1, Latex: "E=mc^2"},
		{Page: 2, Latex: `\int_a^b f(x) dx`},
	}
}
