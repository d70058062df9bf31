// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package blockjson handles the arbitrary JSON objects carried in DOIP
// metadata and workflow blocks. Go's encoding/json marshals map[string]any
// with keys sorted alphabetically, which satisfies "deterministic" but not
// spec §4.1's stricter "insertion-order keys" requirement. Object builds
// JSON bodies key-by-key in the order Set is called (via sjson, which
// appends new keys to the tail of the object instead of re-sorting), and
// Get/FirstWithField read fields out of an already-decoded block body
// without ever re-ordering it (via gjson, which walks the document in its
// original order).
package blockjson

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Object is an order-preserving JSON object builder. The zero value is not
// usable; use NewObject.
type Object struct {
	raw []byte
}

// NewObject returns a builder starting from an empty JSON object.
func NewObject() *Object {
	return &Object{raw: []byte("{}")}
}

// Set assigns key = value, appending key after whatever was set before it.
// value is marshaled the normal Go way (string, number, bool, slice, map,
// nested struct, or nil); panics only on a programmer error (a value that
// cannot be marshaled at all), never on caller-supplied data, since every
// call site in this module passes literal Go values it controls.
func (o *Object) Set(key string, value any) *Object {
	out, err := sjson.SetBytes(o.raw, key, value)
	if err != nil {
		panic(fmt.Sprintf("blockjson: set %q: %v", key, err))
	}
	o.raw = out
	return o
}

// SetRaw embeds an already-encoded JSON value under key verbatim —
// preserving that value's own internal key order — instead of
// unmarshal-then-remarshal through Set.
func (o *Object) SetRaw(key string, raw json.RawMessage) *Object {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	out, err := sjson.SetRawBytes(o.raw, key, raw)
	if err != nil {
		panic(fmt.Sprintf("blockjson: set raw %q: %v", key, err))
	}
	o.raw = out
	return o
}

// Bytes returns the built object as a json.RawMessage block body.
func (o *Object) Bytes() json.RawMessage {
	return json.RawMessage(o.raw)
}

// ValidateObject reports whether raw is well-formed UTF-8 JSON whose
// top-level value is an object, per spec §4.1: metadata and workflow
// bodies "must parse as UTF-8 JSON objects" or decoding fails with
// MalformedFrame.
func ValidateObject(raw []byte) bool {
	if !utf8.Valid(raw) {
		return false
	}
	if !json.Valid(raw) {
		return false
	}
	return gjson.ParseBytes(raw).IsObject()
}

// Get extracts path from a single raw JSON object body in its own document
// order (gjson semantics — see https://github.com/tidwall/gjson for path
// syntax). The zero Result is returned (Exists() == false) when raw is not
// an object or path is absent.
func Get(raw json.RawMessage, path string) gjson.Result {
	return gjson.GetBytes(raw, path)
}

// FirstWithField scans blocks in order and returns the first path match,
// used by the dispatcher and handlers to read a hint (e.g. "operation",
// "element", "workflow") out of whichever metadata/workflow block carries
// it.
func FirstWithField(blocks []json.RawMessage, path string) (gjson.Result, bool) {
	for _, b := range blocks {
		v := gjson.GetBytes(b, path)
		if v.Exists() {
			return v, true
		}
	}
	return gjson.Result{}, false
}
