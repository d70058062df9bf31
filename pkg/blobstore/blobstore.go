// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobstore defines the component-bytes storage contract (C4):
// a reachability probe and GET/PUT/LIST against an S3-compatible
// endpoint, keyed by the fully-qualified sharded paths pkg/shard derives.
package blobstore

import (
	"context"

	"github.com/mardi4nfdi/doip-server/pkg/provider"
)

// Client is the contract every blob-store backend implements. Keys are
// always the full, branch-qualified path (see pkg/shard.ComponentKey) —
// backends never add their own prefix on top.
type Client interface {
	// EnsureAvailable probes the store's reachability. Implementations
	// apply a short, fixed timeout and report false on any error or
	// timeout rather than returning one, per spec §4.4.
	EnsureAvailable(ctx context.Context) bool

	// Get returns the bytes stored at key. Returns a *doiperr.Error with
	// Kind ComponentNotFound when the backend reports a missing key, or
	// Kind StorageError for any other failure.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores content under key with the given content type and
	// returns key unchanged on success.
	Put(ctx context.Context, key string, content []byte, contentType string) (string, error)

	// List returns the keys under prefix, with prefix stripped, handling
	// pagination internally so a single call never blocks the connection
	// supervisor across multiple round trips without yielding.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Providers is the registry of blob-store backend implementations.
// Import implementation packages with blank imports to register them:
//
//	import _ "github.com/mardi4nfdi/doip-server/pkg/blobstore/s3"
//	import _ "github.com/mardi4nfdi/doip-server/pkg/blobstore/memory"
var Providers = provider.NewRegistry[Client]("blob_store")
