// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the strict binary DOIP envelope: a fixed 10-byte
// header, an object-id, and a payload of typed, length-prefixed blocks.
// Encode and Decode are pure functions of their input — no I/O — so the
// connection supervisor and the symmetric client share the exact same
// framing logic.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"

	"github.com/mardi4nfdi/doip-server/pkg/blockjson"
	"github.com/mardi4nfdi/doip-server/pkg/doiperr"
)

// DefaultMaxFrameBytes bounds object-id-length + payload-length before
// either is allocated, so a corrupt or hostile header cannot force an
// unbounded allocation. Not itself a protocol invariant — the wire format
// allows payloads up to 2^32-1, and §5 expects large components to be
// held in memory in full — just a default ceiling for a single in-memory
// frame read via ReadMessage. A deployment that needs to interoperate
// with components larger than this must read via ReadMessageLimit with a
// higher limit (server.Config.MaxFrameBytes / client.Options.MaxFrameBytes
// expose this), or the strict listener will refuse otherwise-valid large
// frames as MalformedFrame.
const DefaultMaxFrameBytes = 64 << 20

// Version is the only DOIP protocol version this codec understands.
const Version byte = 0x02

// MsgType is the header's message-type field.
type MsgType byte

const (
	MsgRequest  MsgType = 0x01
	MsgResponse MsgType = 0x02
	MsgError    MsgType = 0x7F
)

// OpCode is the header's op-code field.
type OpCode byte

const (
	OpHello    OpCode = 0x01
	OpRetrieve OpCode = 0x02
	OpListOps  OpCode = 0x04
	OpInvoke   OpCode = 0x05
)

// blockType tags each block in a payload.
type blockType byte

const (
	blockMetadata  blockType = 0x01
	blockComponent blockType = 0x02
	blockWorkflow  blockType = 0x03
)

// headerSize is the fixed header length in bytes.
const headerSize = 10

// Component is a named binary artifact carried in a component block.
type Component struct {
	ID        string
	MediaType string
	Content   []byte
}

// Message is the decoded form of a DOIP envelope, independent of which
// framing (strict or compat) produced or will consume it.
type Message struct {
	Type       MsgType
	Op         OpCode
	ObjectID   string
	Metadata   []json.RawMessage
	Components []Component
	Workflows  []json.RawMessage
}

// Encode serializes m into a strict wire envelope. Blocks are always
// emitted grouped metadata, then components, then workflows, regardless of
// the order they were populated in — matching the canonical ordering this
// codec also produces on Decode.
func Encode(m Message) ([]byte, error) {
	var payload bytes.Buffer
	for _, md := range m.Metadata {
		if !blockjson.ValidateObject(md) {
			return nil, doiperr.New(doiperr.MalformedFrame, "metadata block is not a JSON object")
		}
		if err := writeBlock(&payload, blockMetadata, md); err != nil {
			return nil, err
		}
	}
	for _, c := range m.Components {
		body, err := encodeComponent(c)
		if err != nil {
			return nil, err
		}
		if err := writeBlock(&payload, blockComponent, body); err != nil {
			return nil, err
		}
	}
	for _, wf := range m.Workflows {
		if !blockjson.ValidateObject(wf) {
			return nil, doiperr.New(doiperr.MalformedFrame, "workflow block is not a JSON object")
		}
		if err := writeBlock(&payload, blockWorkflow, wf); err != nil {
			return nil, err
		}
	}

	oid := []byte(m.ObjectID)
	if len(oid) > math.MaxUint16 {
		return nil, doiperr.New(doiperr.MalformedFrame, "object id too long: %d bytes", len(oid))
	}
	if payload.Len() > math.MaxUint32 {
		return nil, doiperr.New(doiperr.MalformedFrame, "payload too large: %d bytes", payload.Len())
	}

	var out bytes.Buffer
	out.Grow(headerSize + len(oid) + payload.Len())
	out.WriteByte(Version)
	out.WriteByte(byte(m.Type))
	out.WriteByte(byte(m.Op))
	out.WriteByte(0) // flags, reserved
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(oid)))
	out.Write(u16[:])
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(payload.Len()))
	out.Write(u32[:])
	out.Write(oid)
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}

// Decode parses a complete strict wire envelope. It requires data to
// contain exactly one envelope's worth of bytes (header + object-id +
// payload) — callers read the header first to learn the remaining length,
// then hand the full buffer here.
func Decode(data []byte) (Message, error) {
	if len(data) < headerSize {
		return Message{}, doiperr.New(doiperr.MalformedFrame, "short header: %d bytes", len(data))
	}
	if data[0] != Version {
		return Message{}, doiperr.New(doiperr.MalformedFrame, "unsupported version 0x%02x", data[0])
	}
	msgType := MsgType(data[1])
	op := OpCode(data[2])
	// data[3] is the reserved flags byte; ignored.
	oidLen := binary.BigEndian.Uint16(data[4:6])
	payloadLen := binary.BigEndian.Uint32(data[6:10])
	rest := data[headerSize:]

	if uint64(len(rest)) < uint64(oidLen) {
		return Message{}, doiperr.New(doiperr.MalformedFrame, "truncated object id")
	}
	oid := rest[:oidLen]
	rest = rest[oidLen:]

	if uint64(len(rest)) != uint64(payloadLen) {
		return Message{}, doiperr.New(doiperr.MalformedFrame, "payload length mismatch: header says %d, got %d", payloadLen, len(rest))
	}
	payload := rest

	msg := Message{Type: msgType, Op: op, ObjectID: string(oid)}
	cursor := 0
	for cursor < len(payload) {
		if len(payload)-cursor < 5 {
			return Message{}, doiperr.New(doiperr.MalformedFrame, "truncated block header")
		}
		bt := blockType(payload[cursor])
		blen := binary.BigEndian.Uint32(payload[cursor+1 : cursor+5])
		cursor += 5
		if uint64(len(payload)-cursor) < uint64(blen) {
			return Message{}, doiperr.New(doiperr.MalformedFrame, "truncated block body")
		}
		body := payload[cursor : cursor+int(blen)]
		cursor += int(blen)

		switch bt {
		case blockMetadata:
			if !blockjson.ValidateObject(body) {
				return Message{}, doiperr.New(doiperr.MalformedFrame, "metadata block is not a JSON object")
			}
			msg.Metadata = append(msg.Metadata, cloneBytes(body))
		case blockComponent:
			c, err := decodeComponent(body)
			if err != nil {
				return Message{}, err
			}
			msg.Components = append(msg.Components, c)
		case blockWorkflow:
			if !blockjson.ValidateObject(body) {
				return Message{}, doiperr.New(doiperr.MalformedFrame, "workflow block is not a JSON object")
			}
			msg.Workflows = append(msg.Workflows, cloneBytes(body))
		default:
			return Message{}, doiperr.New(doiperr.MalformedFrame, "unknown block type 0x%02x", bt)
		}
	}
	if cursor != len(payload) {
		return Message{}, doiperr.New(doiperr.MalformedFrame, "trailing bytes after last block")
	}
	return msg, nil
}

// ReadMessage reads one complete strict envelope off r with
// DefaultMaxFrameBytes as its allocation guard. See ReadMessageLimit for
// callers that need a different ceiling.
func ReadMessage(r io.Reader) (Message, error) {
	return ReadMessageLimit(r, DefaultMaxFrameBytes)
}

// ReadMessageLimit reads one complete strict envelope off r, the way a
// connection supervisor must: the fixed header first (to learn the
// object-id and payload lengths), then exactly that many remaining bytes.
// maxFrameBytes caps oid-len+payload-len before either is allocated; it is
// an allocation-safety guard, not a protocol limit (the wire format itself
// allows frames up to 2^32-1 bytes), so deployments that exchange larger
// components should pass a higher limit here rather than rely on the
// default. A clean io.EOF on the header read (no bytes at all) is
// returned unchanged so callers can distinguish an idle close from a
// mid-frame one; any other read failure, oversized frame, or decode
// failure comes back as a *doiperr.Error with Kind MalformedFrame.
func ReadMessageLimit(r io.Reader, maxFrameBytes uint64) (Message, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, doiperr.Wrap(doiperr.MalformedFrame, err, "short header")
	}

	oidLen := binary.BigEndian.Uint16(header[4:6])
	payloadLen := binary.BigEndian.Uint32(header[6:10])
	if uint64(oidLen)+uint64(payloadLen) > maxFrameBytes {
		return Message{}, doiperr.New(doiperr.MalformedFrame, "frame too large: %d bytes (limit %d)", uint64(oidLen)+uint64(payloadLen), maxFrameBytes)
	}

	rest := make([]byte, int(oidLen)+int(payloadLen))
	if _, err := io.ReadFull(r, rest); err != nil {
		return Message{}, doiperr.Wrap(doiperr.MalformedFrame, err, "short frame body")
	}

	full := make([]byte, 0, len(header)+len(rest))
	full = append(full, header...)
	full = append(full, rest...)
	return Decode(full)
}

// WriteMessage encodes m and writes it to w in a single call.
func WriteMessage(w io.Writer, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func writeBlock(buf *bytes.Buffer, t blockType, body []byte) error {
	if len(body) > math.MaxUint32 {
		return doiperr.New(doiperr.MalformedFrame, "block body too large: %d bytes", len(body))
	}
	buf.WriteByte(byte(t))
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(body)))
	buf.Write(u32[:])
	buf.Write(body)
	return nil
}

// encodeComponent serializes a component body per the layout required by
// invariant I2: component-id-length, id, media-type-length, media-type,
// content-length, content.
func encodeComponent(c Component) ([]byte, error) {
	idb := []byte(c.ID)
	mtb := []byte(c.MediaType)
	if len(idb) > math.MaxUint16 {
		return nil, doiperr.New(doiperr.MalformedFrame, "component id too long")
	}
	if len(mtb) > math.MaxUint16 {
		return nil, doiperr.New(doiperr.MalformedFrame, "component media type too long")
	}
	if len(c.Content) > math.MaxUint32 {
		return nil, doiperr.New(doiperr.MalformedFrame, "component content too large")
	}
	var buf bytes.Buffer
	buf.Grow(2 + len(idb) + 2 + len(mtb) + 4 + len(c.Content))
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(idb)))
	buf.Write(u16[:])
	buf.Write(idb)
	binary.BigEndian.PutUint16(u16[:], uint16(len(mtb)))
	buf.Write(u16[:])
	buf.Write(mtb)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(c.Content)))
	buf.Write(u32[:])
	buf.Write(c.Content)
	return buf.Bytes(), nil
}

// decodeComponent parses a component body, enforcing I2 exactly: the body
// must contain precisely the declared id, media type, and content with no
// trailing bytes.
func decodeComponent(body []byte) (Component, error) {
	if len(body) < 2 {
		return Component{}, doiperr.New(doiperr.MalformedFrame, "component body too short for id length")
	}
	idLen := int(binary.BigEndian.Uint16(body[0:2]))
	cursor := 2
	if len(body)-cursor < idLen {
		return Component{}, doiperr.New(doiperr.MalformedFrame, "component body too short for id")
	}
	id := string(body[cursor : cursor+idLen])
	cursor += idLen

	if len(body)-cursor < 2 {
		return Component{}, doiperr.New(doiperr.MalformedFrame, "component body too short for media-type length")
	}
	mtLen := int(binary.BigEndian.Uint16(body[cursor : cursor+2]))
	cursor += 2
	if len(body)-cursor < mtLen {
		return Component{}, doiperr.New(doiperr.MalformedFrame, "component body too short for media type")
	}
	mt := string(body[cursor : cursor+mtLen])
	cursor += mtLen

	if len(body)-cursor < 4 {
		return Component{}, doiperr.New(doiperr.MalformedFrame, "component body too short for content length")
	}
	contentLen := binary.BigEndian.Uint32(body[cursor : cursor+4])
	cursor += 4
	if uint64(len(body)-cursor) != uint64(contentLen) {
		return Component{}, doiperr.New(doiperr.MalformedFrame, "component content length mismatch")
	}
	content := cloneBytes(body[cursor : cursor+int(contentLen)])
	return Component{ID: id, MediaType: mt, Content: content}, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
