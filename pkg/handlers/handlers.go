// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package handlers implements the per-operation business logic (C6):
// hello, list_ops, retrieve, and invoke. Handlers read from the manifest
// registry and blob store (through pkg/shard-derived keys) and never
// touch the wire codecs directly — they consume and produce wire.Message
// values.
package handlers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mardi4nfdi/doip-server/pkg/blobstore"
	"github.com/mardi4nfdi/doip-server/pkg/blockjson"
	"github.com/mardi4nfdi/doip-server/pkg/doiperr"
	"github.com/mardi4nfdi/doip-server/pkg/manifest"
	"github.com/mardi4nfdi/doip-server/pkg/rocrate"
	"github.com/mardi4nfdi/doip-server/pkg/wire"
	"github.com/mardi4nfdi/doip-server/pkg/workflow"
)

// defaultInvokeWorkflow mirrors compat's default so a strict-listener
// invoke with no workflow hint behaves the same way.
const defaultInvokeWorkflow = "equation_extraction"

// Deps bundles everything handlers need, built once at startup and shared
// read-only across every connection.
type Deps struct {
	Manifest   *manifest.Registry
	Blob       blobstore.Client
	ServerName string
}

// Hello never fails; it advertises the server and its operations.
func Hello(_ context.Context, d *Deps, req wire.Message) (wire.Message, error) {
	md := blockjson.NewObject().
		Set("operation", "hello").
		Set("status", "ok").
		Set("server", d.ServerName).
		Set("version", int(wire.Version)).
		SetRaw("availableOperations", availableOperations()).
		Bytes()
	return wire.Message{
		Type:     wire.MsgResponse,
		Op:       wire.OpHello,
		ObjectID: req.ObjectID,
		Metadata: []json.RawMessage{md},
	}, nil
}

// ListOps never fails; it advertises the operation table alone.
func ListOps(_ context.Context, d *Deps, req wire.Message) (wire.Message, error) {
	md := blockjson.NewObject().
		Set("operation", "list_operations").
		SetRaw("availableOperations", availableOperations()).
		Bytes()
	return wire.Message{
		Type:     wire.MsgResponse,
		Op:       wire.OpListOps,
		ObjectID: req.ObjectID,
		Metadata: []json.RawMessage{md},
	}, nil
}

func availableOperations() json.RawMessage {
	return blockjson.NewObject().
		Set("hello", int(wire.OpHello)).
		Set("retrieve", int(wire.OpRetrieve)).
		Set("list_ops", int(wire.OpListOps)).
		Set("invoke", int(wire.OpInvoke)).
		Bytes()
}

// Retrieve implements the three element modes described in spec §4.6.
func Retrieve(ctx context.Context, d *Deps, req wire.Message) (wire.Message, error) {
	identifier := strings.ToUpper(req.ObjectID)

	element := ""
	if v, ok := blockjson.FirstWithField(req.Metadata, "element"); ok {
		element = v.String()
	}

	switch {
	case element == "rocrate":
		return retrieveROCrate(ctx, d, identifier)
	case element != "":
		return retrieveComponent(ctx, d, identifier, element)
	default:
		return retrieveManifest(ctx, d, identifier)
	}
}

func retrieveManifest(ctx context.Context, d *Deps, identifier string) (wire.Message, error) {
	manifestJSON, err := d.Manifest.Fetch(ctx, identifier)
	if err != nil {
		return wire.Message{}, err
	}
	return wire.Message{
		Type:     wire.MsgResponse,
		Op:       wire.OpRetrieve,
		ObjectID: identifier,
		Metadata: []json.RawMessage{manifestJSON},
	}, nil
}

func retrieveComponent(ctx context.Context, d *Deps, identifier, element string) (wire.Message, error) {
	data, mediaType, err := d.Manifest.GetComponent(ctx, identifier, element)
	if err != nil {
		return wire.Message{}, err
	}
	return wire.Message{
		Type:     wire.MsgResponse,
		Op:       wire.OpRetrieve,
		ObjectID: identifier,
		Components: []wire.Component{
			{ID: element, MediaType: mediaType, Content: data},
		},
	}, nil
}

func retrieveROCrate(ctx context.Context, d *Deps, identifier string) (wire.Message, error) {
	if data, _, err := d.Manifest.GetComponent(ctx, identifier, "rocrate"); err == nil {
		return wire.Message{
			Type:     wire.MsgResponse,
			Op:       wire.OpRetrieve,
			ObjectID: identifier,
			Components: []wire.Component{
				{ID: "rocrate", MediaType: "application/zip", Content: data},
			},
		}, nil
	} else if doiperr.KindOf(err) != doiperr.ComponentNotFound {
		return wire.Message{}, err
	}

	manifestJSON, err := d.Manifest.Fetch(ctx, identifier)
	if err != nil {
		return wire.Message{}, err
	}
	contentURL := blockjson.Get(manifestJSON, "profile.distribution.0.contentUrl").String()

	built, err := rocrate.Build(ctx, contentURL)
	if err != nil {
		return wire.Message{}, doiperr.Wrap(doiperr.StorageError, err, "build rocrate for %s", identifier)
	}
	return wire.Message{
		Type:     wire.MsgResponse,
		Op:       wire.OpRetrieve,
		ObjectID: identifier,
		Components: []wire.Component{
			{ID: "rocrate", MediaType: "application/zip", Content: built},
		},
	}, nil
}

// Invoke runs a named workflow and folds its result into the response.
func Invoke(ctx context.Context, d *Deps, req wire.Message) (wire.Message, error) {
	identifier := strings.ToUpper(req.ObjectID)

	blocks := make([]json.RawMessage, 0, len(req.Metadata)+len(req.Workflows))
	blocks = append(blocks, req.Metadata...)
	blocks = append(blocks, req.Workflows...)

	workflowName := defaultInvokeWorkflow
	if v, ok := blockjson.FirstWithField(blocks, "workflow"); ok && v.String() != "" {
		workflowName = v.String()
	}
	params := json.RawMessage("{}")
	if v, ok := blockjson.FirstWithField(blocks, "params"); ok {
		params = json.RawMessage(v.Raw)
	}

	runner, err := workflow.Runners.New(ctx, workflowName, nil)
	if err != nil {
		return wire.Message{}, doiperr.New(doiperr.UnsupportedOperation, "unsupported workflow %q", workflowName)
	}

	result, err := runner.Run(ctx, identifier, params)
	if err != nil {
		return wire.Message{}, err
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return wire.Message{}, doiperr.Wrap(doiperr.StorageError, err, "marshal workflow result")
	}

	md := blockjson.NewObject().
		Set("operation", "invoke").
		Set("workflow", workflowName).
		SetRaw("result", resultJSON).
		Bytes()

	components := make([]wire.Component, 0, len(result.DerivedComponents))
	for _, dc := range result.DerivedComponents {
		data, err := d.Blob.Get(ctx, dc.S3Key)
		if err != nil {
			return wire.Message{}, doiperr.Wrap(doiperr.StorageError, err, "fetch derived component %s", dc.ComponentID)
		}
		components = append(components, wire.Component{ID: dc.ComponentID, MediaType: dc.MediaType, Content: data})
	}

	return wire.Message{
		Type:       wire.MsgResponse,
		Op:         wire.OpInvoke,
		ObjectID:   identifier,
		Metadata:   []json.RawMessage{md},
		Components: components,
		Workflows:  []json.RawMessage{resultJSON},
	}, nil
}
