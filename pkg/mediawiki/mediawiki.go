// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package mediawiki is a best-effort client for the MediaWiki/Wikibase
// item-creation API. It is an external collaborator per spec §1: failures
// are logged and swallowed, never surfaced as a DOIP error, and the
// returned item id is always a freshly synthesized QID regardless of
// whether the upstream call succeeded.
package mediawiki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultAPI = "https://www.wikidata.org/w/api.php"

// Client posts best-effort entity-creation requests to a MediaWiki API.
type Client struct {
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New returns a Client targeting apiURL, or the public Wikidata API if
// apiURL is empty.
func New(apiURL string, logger *slog.Logger) *Client {
	if apiURL == "" {
		apiURL = defaultAPI
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type label struct {
	Language string `json:"language"`
	Value    string `json:"value"`
}

type claim struct {
	Property string `json:"property"`
	Value    string `json:"value"`
}

type entityPayload struct {
	Labels   map[string]label `json:"labels,omitempty"`
	Claims   any              `json:"claims,omitempty"`
	Metadata any              `json:"metadata,omitempty"`
}

// CreateEquationItem mirrors the reference workflow's item-creation call:
// a label naming the source object and two claims (source, latex). It
// always returns a synthetic QID, even when the upstream POST fails.
func (c *Client) CreateEquationItem(ctx context.Context, sourceQID, latex string, metadata map[string]any) string {
	payload := entityPayload{
		Labels: map[string]label{
			"en": {Language: "en", Value: fmt.Sprintf("Equation from %s", sourceQID)},
		},
		Claims: []claim{
			{Property: "P123", Value: sourceQID},
			{Property: "P999", Value: latex},
		},
		Metadata: metadata,
	}
	c.postItem(ctx, payload)
	return generateQID()
}

func (c *Client) postItem(ctx context.Context, payload entityPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("mediawiki: marshal entity payload", "error", err)
		return
	}

	u, err := url.Parse(c.apiURL)
	if err != nil {
		c.logger.Warn("mediawiki: invalid API URL", "url", c.apiURL, "error", err)
		return
	}
	q := u.Query()
	q.Set("action", "wbeditentity")
	q.Set("format", "json")
	q.Set("new", "item")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("mediawiki: build request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("mediawiki: post entity (best-effort)", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logger.Warn("mediawiki: post entity returned non-2xx", "status", resp.StatusCode)
	}
}

// generateQID synthesizes a plausible QID the way the reference mock
// does: a timestamp followed by a short random suffix, which never
// collides with a real Wikidata QID format closely enough to be mistaken
// for one.
func generateQID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("Q%d%s", time.Now().Unix(), suffix)
}
