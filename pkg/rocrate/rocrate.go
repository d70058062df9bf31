// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package rocrate assembles a minimal RO-Crate ZIP for the retrieve
// operation's "rocrate" element, when no component already stored under
// that name exists. It is an isolated helper external to the core per
// spec §1: fetch failures degrade to an empty crate rather than an error.
package rocrate

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const metadataName = "ro-crate-metadata.json"

type graphNode struct {
	ID          string   `json:"@id"`
	Type        []string `json:"@type"`
	ContentURL  string   `json:"contentUrl,omitempty"`
	HasPart     []ref    `json:"hasPart,omitempty"`
	ConformsTo  ref      `json:"conformsTo,omitempty"`
	SchemaCtx   string   `json:"@context,omitempty"`
	Description string   `json:"description,omitempty"`
}

type ref struct {
	ID string `json:"@id"`
}

type metadataDoc struct {
	Context string      `json:"@context"`
	Graph   []graphNode `json:"@graph"`
}

// Build fetches contentURL (best-effort) and packages it with a minimal
// ro-crate-metadata.json into a ZIP archive. An empty contentURL, or any
// fetch failure, yields a crate containing only the metadata document —
// "possibly empty" per spec §4.6, never an error.
func Build(ctx context.Context, contentURL string) ([]byte, error) {
	var payload []byte
	if contentURL != "" {
		payload, _ = fetch(ctx, contentURL) // best-effort; nil payload on any failure
	}
	return assemble(contentURL, payload)
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rocrate: fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func assemble(contentURL string, payload []byte) ([]byte, error) {
	doc := metadataDoc{
		Context: "https://w3id.org/ro/crate/1.1/context",
		Graph: []graphNode{
			{ID: metadataName, Type: []string{"CreativeWork"}, ConformsTo: ref{ID: "https://w3id.org/ro/crate/1.1"}},
			{ID: "./", Type: []string{"Dataset"}, HasPart: []ref{{ID: "data"}}},
		},
	}
	if contentURL != "" {
		doc.Graph = append(doc.Graph, graphNode{ID: "data", Type: []string{"File"}, ContentURL: contentURL})
	}
	metaBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	mw, err := zw.Create(metadataName)
	if err != nil {
		return nil, err
	}
	if _, err := mw.Write(metaBytes); err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		dw, err := zw.Create("data")
		if err != nil {
			return nil, err
		}
		if _, err := dw.Write(payload); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
