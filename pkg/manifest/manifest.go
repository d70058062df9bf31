// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest implements the manifest registry (C5): fetching an
// object's JSON manifest over HTTPS, memoizing it per identifier, and
// resolving component records against the configured blob store.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/tidwall/gjson"

	"github.com/mardi4nfdi/doip-server/pkg/blobstore"
	"github.com/mardi4nfdi/doip-server/pkg/doiperr"
	"github.com/mardi4nfdi/doip-server/pkg/shard"
)

// fetchTimeout bounds a single manifest HTTPS fetch (§5).
const fetchTimeout = 10 * time.Second

// ComponentRecord is the resolved (component-id, media-type, extension)
// tuple for one manifest entry.
type ComponentRecord struct {
	ID        string
	MediaType string
	Extension string
}

// Registry fetches and caches manifests, and resolves component bytes
// through a blobstore.Client.
type Registry struct {
	apiBase string
	branch  string
	client  *http.Client
	blob    blobstore.Client

	mu    sync.Mutex
	cache map[string]json.RawMessage
}

// New creates a Registry that fetches manifests from "<apiBase>/<id>" and
// resolves components from blob using branch as the storage prefix.
func New(apiBase string, blob blobstore.Client, branch string) *Registry {
	return &Registry{
		apiBase: strings.TrimSuffix(apiBase, "/"),
		branch:  branch,
		client:  &http.Client{Timeout: fetchTimeout, Transport: h2Transport()},
		blob:    blob,
		cache:   make(map[string]json.RawMessage),
	}
}

// h2Transport builds a transport that negotiates HTTP/2 over TLS when the
// FDO API endpoint offers it, falling back to the base transport's normal
// HTTP/1.1 behavior for plaintext endpoints or any negotiation failure.
func h2Transport() *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	_ = http2.ConfigureTransport(transport)
	return transport
}

// Fetch returns the cached manifest for identifier, fetching it over
// HTTPS on a cache miss. The cache-mutex critical section covers only the
// map lookup and the map insert (never the HTTP round trip), so concurrent
// fetches for the same identifier may issue duplicate requests — an
// accepted tradeoff per §4.5. The cache never stores a failed fetch (I4).
func (r *Registry) Fetch(ctx context.Context, identifier string) (json.RawMessage, error) {
	id := strings.ToUpper(identifier)

	r.mu.Lock()
	if cached, ok := r.cache[id]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	if r.apiBase == "" {
		return nil, doiperr.New(doiperr.StorageUnavailable, "no manifest API endpoint configured")
	}

	url := r.apiBase + "/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, doiperr.Wrap(doiperr.StorageError, err, "build manifest request for %s", id)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, doiperr.Wrap(classifyFetchErr(err), err, "fetch manifest for %s", id)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, doiperr.New(doiperr.StorageError, "manifest fetch for %s: unexpected status %d", id, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, doiperr.Wrap(doiperr.StorageError, err, "read manifest body for %s", id)
	}
	if !json.Valid(body) {
		return nil, doiperr.New(doiperr.StorageError, "manifest for %s is not valid JSON", id)
	}

	r.mu.Lock()
	r.cache[id] = json.RawMessage(body)
	r.mu.Unlock()
	return json.RawMessage(body), nil
}

// GetComponent resolves componentId against identifier's manifest, then
// fetches its bytes from the blob store using the sharded key derived
// from (identifier, componentId, extension, branch).
func (r *Registry) GetComponent(ctx context.Context, identifier, componentID string) ([]byte, string, error) {
	manifestJSON, err := r.Fetch(ctx, identifier)
	if err != nil {
		return nil, "", err
	}

	rec, ok := resolveComponent(manifestJSON, componentID)
	if !ok {
		return nil, "", doiperr.New(doiperr.ComponentNotFound, "manifest for %s has no component %q", identifier, componentID)
	}

	if !r.blob.EnsureAvailable(ctx) {
		return nil, "", doiperr.New(doiperr.StorageUnavailable, "blob store is unreachable")
	}

	key, err := shard.ComponentKey(r.branch, identifier, rec.ID, rec.Extension)
	if err != nil {
		return nil, "", err
	}
	data, err := r.blob.Get(ctx, key)
	if err != nil {
		if doiperr.KindOf(err) == doiperr.ComponentNotFound {
			return nil, "", err
		}
		return nil, "", doiperr.Wrap(doiperr.StorageError, err, "fetch component %s/%s", identifier, componentID)
	}
	return data, rec.MediaType, nil
}

// resolveComponent walks kernel.fdo:hasComponent looking for componentID.
// The manifest-declared media type always wins when present and
// non-empty; only its absence falls back to application/octet-stream —
// the reference server's competing code path that hard-codes
// application/pdf is not reproduced here.
func resolveComponent(manifestJSON json.RawMessage, componentID string) (ComponentRecord, bool) {
	components := gjson.GetBytes(manifestJSON, "kernel.fdo:hasComponent")
	var rec ComponentRecord
	found := false
	components.ForEach(func(_, v gjson.Result) bool {
		if v.Get("componentId").String() != componentID {
			return true
		}
		mediaType := v.Get("mediaType").String()
		if mediaType == "" {
			mediaType = v.Get("mimeType").String()
		}
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		override := ""
		if location := v.Get("location").String(); location != "" {
			override = strings.TrimPrefix(path.Ext(location), ".")
		}
		rec = ComponentRecord{
			ID:        componentID,
			MediaType: mediaType,
			Extension: shard.ExtensionFor(mediaType, override),
		}
		found = true
		return false
	})
	return rec, found
}

func classifyFetchErr(err error) doiperr.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return doiperr.UpstreamTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return doiperr.UpstreamTimeout
	}
	return doiperr.StorageError
}
