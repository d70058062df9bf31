// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch implements the C7 dispatcher: it validates the
// incoming message's type, resolves which operation it names (by header
// op-code or, failing that, a metadata hint), and turns a handler's
// outcome into a response or error envelope.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mardi4nfdi/doip-server/pkg/blockjson"
	"github.com/mardi4nfdi/doip-server/pkg/doiperr"
	"github.com/mardi4nfdi/doip-server/pkg/handlers"
	"github.com/mardi4nfdi/doip-server/pkg/wire"
)

// HandlerFunc is the shape every operation handler in pkg/handlers has.
type HandlerFunc func(ctx context.Context, d *handlers.Deps, req wire.Message) (wire.Message, error)

var knownOps = map[wire.OpCode]HandlerFunc{
	wire.OpHello:    handlers.Hello,
	wire.OpRetrieve: handlers.Retrieve,
	wire.OpListOps:  handlers.ListOps,
	wire.OpInvoke:   handlers.Invoke,
}

// operationsByName resolves the metadata-hint fallback. "list_operations"
// is accepted alongside "list_ops" per spec §4.7.
var operationsByName = map[string]wire.OpCode{
	"hello":           wire.OpHello,
	"retrieve":        wire.OpRetrieve,
	"invoke":          wire.OpInvoke,
	"list_ops":        wire.OpListOps,
	"list_operations": wire.OpListOps,
}

// Dispatch routes req to its handler and always returns a complete
// envelope — response on success, error on any failure including an
// unresolvable operation or a non-request message type. It never panics
// and never returns a zero Message.
func Dispatch(ctx context.Context, d *handlers.Deps, req wire.Message) wire.Message {
	if req.Type != wire.MsgRequest {
		return errorEnvelope(req, doiperr.New(doiperr.ProtocolError, "message type must be request, got %d", req.Type))
	}

	op, ok := resolveOp(req)
	if !ok {
		return errorEnvelope(req, doiperr.New(doiperr.UnsupportedOperation, "no known op-code and no recognizable operation hint"))
	}

	resp, err := knownOps[op](ctx, d, req)
	if err != nil {
		return errorEnvelope(req, err)
	}
	return resp
}

// resolveOp implements the precedence spec §4.7 requires: a known header
// op-code always wins (covering P9, where an unknown header op-code defers
// to the metadata hint); only when the header op-code is unrecognized does
// the dispatcher scan metadata blocks for an "operation" name.
func resolveOp(req wire.Message) (wire.OpCode, bool) {
	if _, ok := knownOps[req.Op]; ok {
		return req.Op, true
	}
	if v, ok := blockjson.FirstWithField(req.Metadata, "operation"); ok {
		if op, ok := operationsByName[v.String()]; ok {
			return op, true
		}
	}
	return 0, false
}

// errorEnvelope builds the single-metadata-block error response spec §4.7
// requires: op-code copied from the incoming header (not the resolved
// one), no components, no workflow blocks. The wrapped cause inside a
// *doiperr.Error is never surfaced — only its Kind and Message are
// wire-safe.
func errorEnvelope(req wire.Message, err error) wire.Message {
	kind := doiperr.KindOf(err)
	md := blockjson.NewObject().
		Set("error", string(kind)).
		Set("message", detailMessage(err)).
		Bytes()
	return wire.Message{
		Type:     wire.MsgError,
		Op:       req.Op,
		ObjectID: req.ObjectID,
		Metadata: []json.RawMessage{md},
	}
}

func detailMessage(err error) string {
	var de *doiperr.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
