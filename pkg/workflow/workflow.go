// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow defines the pluggable contract the invoke operation
// (C6) runs against. The core dispatches to a named Runner and emits
// whatever component bytes and result JSON it produces; the workflow
// bodies themselves are external collaborators per spec §1 — only
// equation_extraction ships with this module.
package workflow

import (
	"context"
	"encoding/json"

	"github.com/mardi4nfdi/doip-server/pkg/provider"
)

// DerivedComponent describes one artifact a workflow wrote to the blob
// store for the invoke handler to re-fetch and emit as a component block.
type DerivedComponent struct {
	ComponentID string `json:"componentId"`
	MediaType   string `json:"mediaType"`
	S3Key       string `json:"s3Key,omitempty"`
	Size        int    `json:"size"`
}

// Result is the workflow-block body returned to the client, and the value
// handlers.Invoke also folds into its metadata block.
type Result struct {
	Workflow          string             `json:"workflow"`
	SourceObject      string             `json:"sourceObject"`
	DerivedComponents []DerivedComponent `json:"derivedComponents"`
	CreatedItems      []string           `json:"createdItems,omitempty"`
}

// Runner executes one named workflow against an object identifier and its
// invoke parameters.
type Runner interface {
	Run(ctx context.Context, identifier string, params json.RawMessage) (Result, error)
}

// Runners is the registry of workflow implementations, keyed by the name
// clients pass as invoke's "workflow" field. Only "equation_extraction" is
// registered by this module, per spec §4.6 — any other name reaches the
// dispatcher and fails UnsupportedOperation.
var Runners = provider.NewRegistry[Runner]("workflow")
