// Package wire defines the on-the-wire envelope and framing for the sync
// protocol: every message is an 8-byte little-endian length prefix followed
// by a Packet encoded with the canonical binary encoding from pkg/codec.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"reflect"
	"strings"

	"github.com/entsync/entsync/pkg/codec"
)

// LengthPrefixSize is the size of the frame length prefix in bytes.
const LengthPrefixSize = 8

// ErrFrameTooLarge is returned when a frame's length prefix exceeds the
// configured maximum packet length. The connection must be dropped.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum packet length")

// Packet is the wire unit. TypeName identifies the payload type, SchemaHash
// is a stable hash of the short type name used for optional compatibility
// checks, and Data is the payload in canonical binary encoding. The framing
// layer never interprets Data; routing it is the dispatcher's job.
type Packet struct {
	TypeName   string
	SchemaHash uint64
	Data       []byte
}

// TypeName returns the fully qualified name for a reflected type:
// the package path joined to the type name with a dot. Pointers are
// dereferenced first.
func TypeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// TypeNameFor returns the fully qualified name for T.
func TypeNameFor[T any]() string {
	var zero *T
	return TypeName(reflect.TypeOf(zero).Elem())
}

// ShortName returns the final dot-separated segment of a fully qualified
// type name. Wrapper names keep their wrapper prefix with the inner name
// shortened ("Targeted(pkg.T)" becomes "Targeted(T)"). Hashing only the
// short name is deliberate: the identifier survives package moves at the
// cost of colliding on same-named types in different packages, which
// registration rejects at startup.
func ShortName(full string) string {
	if i := strings.Index(full, "("); i >= 0 && strings.HasSuffix(full, ")") {
		return full[:i] + "(" + ShortName(full[i+1:len(full)-1]) + ")"
	}
	if i := strings.Index(full, "<"); i >= 0 && strings.HasSuffix(full, ">") {
		return full[:i] + "<" + ShortName(full[i+1:len(full)-1]) + ">"
	}
	if i := strings.LastIndex(full, "."); i >= 0 {
		return full[i+1:]
	}
	return full
}

// SchemaHash computes the stable 64-bit schema hash for a fully qualified
// type name: FNV-1a over the short name.
func SchemaHash(full string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(ShortName(full)))
	return h.Sum64()
}

// TargetedName returns the registered name of the targeted wrapper for a
// payload type name.
func TargetedName(full string) string {
	return fmt.Sprintf("Targeted(%s)", full)
}

// RequestName returns the registered name of the request wrapper for a
// request type name.
func RequestName(full string) string {
	return fmt.Sprintf("Request(%s)", full)
}

// ResponseName returns the registered name of the correlated response
// wrapper for a response type name. The dispatcher recognizes responses by
// the "ResponseInternal<" prefix.
func ResponseName(full string) string {
	return fmt.Sprintf("ResponseInternal<%s>", full)
}

// IsResponseName reports whether a packet type name follows the correlated
// response convention.
func IsResponseName(name string) bool {
	return strings.HasPrefix(name, "ResponseInternal<")
}

// NewPacket encodes a payload value into a Packet carrying the given type
// name.
func NewPacket(typeName string, payload interface{}) (Packet, error) {
	data, err := codec.Marshal(payload)
	if err != nil {
		return Packet{}, fmt.Errorf("failed to encode payload for %s: %w", typeName, err)
	}
	return Packet{
		TypeName:   typeName,
		SchemaHash: SchemaHash(typeName),
		Data:       data,
	}, nil
}

// Encode serializes the packet itself (without the length prefix).
func (p Packet) Encode() []byte {
	w := codec.NewWriter()
	w.WriteString(p.TypeName)
	w.WriteUint(p.SchemaHash)
	w.WriteBytes(p.Data)
	return w.Bytes()
}

// DecodePacket deserializes a packet from its encoded form.
func DecodePacket(data []byte) (Packet, error) {
	r := codec.NewReader(data)
	name, err := r.ReadString()
	if err != nil {
		return Packet{}, fmt.Errorf("failed to decode packet type name: %w", err)
	}
	hash, err := r.ReadUint()
	if err != nil {
		return Packet{}, fmt.Errorf("failed to decode packet schema hash: %w", err)
	}
	payload, err := r.ReadBytes()
	if err != nil {
		return Packet{}, fmt.Errorf("failed to decode packet data: %w", err)
	}
	return Packet{TypeName: name, SchemaHash: hash, Data: payload}, nil
}

// EncodeFrame produces the full wire frame for a packet: the 8-byte
// little-endian length prefix followed by the encoded packet.
func EncodeFrame(p Packet) []byte {
	encoded := p.Encode()
	buf := make([]byte, 0, LengthPrefixSize+len(encoded))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(encoded)))
	return append(buf, encoded...)
}

// AppendFrame appends the wire frame for a packet to buf. The send loops use
// this to combine several packets into a single write.
func AppendFrame(buf []byte, p Packet) []byte {
	encoded := p.Encode()
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(encoded)))
	return append(buf, encoded...)
}

// ReadFrame reads one length-prefixed packet from r. A length prefix larger
// than maxPacketLength returns ErrFrameTooLarge; the caller must close the
// connection. io.EOF at a frame boundary is returned as-is.
func ReadFrame(r io.Reader, maxPacketLength int) (Packet, error) {
	var header [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Packet{}, err
	}
	length := binary.LittleEndian.Uint64(header[:])
	if length > uint64(maxPacketLength) {
		return Packet{}, ErrFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Packet{}, fmt.Errorf("failed to read frame body of %d bytes: %w", length, err)
	}
	return DecodePacket(body)
}

// DecodeFrame decodes a packet from a complete in-memory frame, as delivered
// by message-oriented transports. The length prefix is validated against the
// actual buffer size.
func DecodeFrame(frame []byte, maxPacketLength int) (Packet, error) {
	if len(frame) < LengthPrefixSize {
		return Packet{}, fmt.Errorf("wire: frame shorter than length prefix (%d bytes)", len(frame))
	}
	length := binary.LittleEndian.Uint64(frame[:LengthPrefixSize])
	if length > uint64(maxPacketLength) {
		return Packet{}, ErrFrameTooLarge
	}
	if length > uint64(len(frame)-LengthPrefixSize) {
		return Packet{}, fmt.Errorf("wire: frame length %d exceeds buffer of %d bytes", length, len(frame)-LengthPrefixSize)
	}
	return DecodePacket(frame[LengthPrefixSize : LengthPrefixSize+int(length)])
}

// EncodeMessage is the single-type codec surface: it wraps a payload value
// in a Packet named after its Go type and frames it in one step. Simple
// single-message-type connections use this directly.
func EncodeMessage[T any](v T) ([]byte, error) {
	p, err := NewPacket(TypeNameFor[T](), v)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(p), nil
}

// DecodeMessage unwraps a framed single-type message back to its payload.
func DecodeMessage[T any](frame []byte, maxPacketLength int) (T, error) {
	var out T
	p, err := DecodeFrame(frame, maxPacketLength)
	if err != nil {
		return out, err
	}
	if err := codec.Unmarshal(p.Data, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s payload: %w", p.TypeName, err)
	}
	return out, nil
}
