// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package compat implements the length-prefixed JSON-segment framing (C2)
// used on the compat listener, and the translation between that framing
// and the internal wire.Message representation C1 and C7 share.
package compat

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mardi4nfdi/doip-server/pkg/blockjson"
	"github.com/mardi4nfdi/doip-server/pkg/doiperr"
	"github.com/mardi4nfdi/doip-server/pkg/wire"
)

// defaultWorkflow is the invoke default when the request omits "workflow".
const defaultWorkflow = "equation_extraction"

// ReadSegments reads length-prefixed segments until the zero-length
// terminator and returns the segments seen before it (the terminator
// itself is not included).
func ReadSegments(r io.Reader) ([][]byte, error) {
	var segments [][]byte
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, doiperr.Wrap(doiperr.MalformedFrame, err, "reading compat segment length")
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			return segments, nil
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, doiperr.Wrap(doiperr.MalformedFrame, err, "reading compat segment body")
		}
		segments = append(segments, buf)
	}
}

// WriteSegments writes each segment length-prefixed, followed by the
// zero-length terminator.
func WriteSegments(w io.Writer, segments [][]byte) error {
	for _, seg := range segments {
		if err := writeSegment(w, seg); err != nil {
			return err
		}
	}
	return writeSegment(w, nil)
}

func writeSegment(w io.Writer, seg []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(seg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return doiperr.Wrap(doiperr.MalformedFrame, err, "writing compat segment length")
	}
	if len(seg) == 0 {
		return nil
	}
	if _, err := w.Write(seg); err != nil {
		return doiperr.Wrap(doiperr.MalformedFrame, err, "writing compat segment body")
	}
	return nil
}

// DecodeRequest translates compat segment 0 into an internal request
// message. Only segment 0 carries meaning (§4.2); any further segments a
// client sends are ignored.
func DecodeRequest(segment0 []byte) (wire.Message, error) {
	if !blockjson.ValidateObject(segment0) {
		return wire.Message{}, doiperr.New(doiperr.MalformedFrame, "compat segment 0 is not a JSON object")
	}
	root := gjson.ParseBytes(segment0)

	opVal := firstResult(root, "operationId", "operation_id")
	if !opVal.Exists() {
		return wire.Message{}, doiperr.New(doiperr.MalformedFrame, "compat request missing operationId")
	}
	op, ok := resolveOp(opVal)
	if !ok {
		return wire.Message{}, doiperr.New(doiperr.UnsupportedOperation, "unrecognized compat operationId %v", opVal.Value())
	}

	targetID := strings.ToUpper(firstOf(root, "targetId", "target_id"))
	attrs := root.Get("attributes")

	msg := wire.Message{Type: wire.MsgRequest, Op: op, ObjectID: targetID}

	switch op {
	case wire.OpHello:
		msg.Metadata = []json.RawMessage{blockjson.NewObject().Set("operation", "hello").Bytes()}
	case wire.OpListOps:
		// No metadata hint required; the handler is parameterless.
	case wire.OpRetrieve:
		// Design notes mandate normalizing either compat shape
		// (attributes.element or attributes.componentId) to the single
		// "element" key handlers read.
		if element := firstOf(attrs, "element", "componentId"); element != "" {
			msg.Metadata = []json.RawMessage{blockjson.NewObject().Set("element", element).Bytes()}
		}
	case wire.OpInvoke:
		workflow := defaultWorkflow
		if w := root.Get("workflow"); w.Exists() && w.String() != "" {
			workflow = w.String()
		}
		obj := blockjson.NewObject().Set("workflow", workflow)
		if p := root.Get("params"); p.Exists() {
			obj.SetRaw("params", json.RawMessage(p.Raw))
		} else {
			obj.Set("params", map[string]any{})
		}
		msg.Metadata = []json.RawMessage{obj.Bytes()}
	}
	return msg, nil
}

// EncodeResponse translates a dispatcher-produced response or error
// message into the compat segment list: segment 0 is the status envelope,
// followed by one segment per component body in order.
func EncodeResponse(resp wire.Message) [][]byte {
	obj := blockjson.NewObject()
	if resp.Type == wire.MsgError {
		msg := ""
		if len(resp.Metadata) > 0 {
			msg = blockjson.Get(resp.Metadata[0], "message").String()
		}
		obj.Set("status", "error")
		obj.Set("message", msg)
	} else {
		obj.Set("status", "success")
		obj.SetRaw("metadata", rawArray(resp.Metadata))
		if len(resp.Components) > 0 {
			attrs := blockjson.NewObject().Set("filename", resp.Components[0].ID)
			obj.SetRaw("attributes", attrs.Bytes())
		}
	}

	segments := make([][]byte, 0, 1+len(resp.Components))
	segments = append(segments, obj.Bytes())
	for _, c := range resp.Components {
		segments = append(segments, c.Content)
	}
	return segments
}

// rawArray joins already-encoded JSON values into a JSON array without
// re-marshaling them, preserving each element's own key order.
func rawArray(items []json.RawMessage) json.RawMessage {
	if len(items) == 0 {
		return json.RawMessage("[]")
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, it := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(it)
	}
	buf.WriteByte(']')
	return json.RawMessage(buf.Bytes())
}

func firstOf(root gjson.Result, keys ...string) string {
	v := firstResult(root, keys...)
	if !v.Exists() {
		return ""
	}
	return v.String()
}

func firstResult(root gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		v := root.Get(k)
		if v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// resolveOp maps a compat operationId — integer or one of the several
// string spellings the reference client accepts — to the internal op
// code. Per the design notes, integer/string 4 ("LIST_OPS") resolves to
// list_ops, diverging from the Python reference, which never recognized
// it at all.
func resolveOp(v gjson.Result) (wire.OpCode, bool) {
	if v.Type == gjson.Number {
		return opFromInt(int(v.Num))
	}
	s := strings.ToUpper(strings.TrimSpace(v.String()))
	s = strings.TrimPrefix(s, "OP_")
	switch s {
	case "1", "HELLO":
		return wire.OpHello, true
	case "2", "RETRIEVE":
		return wire.OpRetrieve, true
	case "4", "LIST_OPS", "LIST_OPERATIONS":
		return wire.OpListOps, true
	case "5", "INVOKE":
		return wire.OpInvoke, true
	}
	return 0, false
}

func opFromInt(n int) (wire.OpCode, bool) {
	switch n {
	case 1:
		return wire.OpHello, true
	case 2:
		return wire.OpRetrieve, true
	case 4:
		return wire.OpListOps, true
	case 5:
		return wire.OpInvoke, true
	}
	return 0, false
}
