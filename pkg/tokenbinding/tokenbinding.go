// Package tokenbinding implements the binary token binding message format
// carried in the Sec-Token-Binding request header. The codec is pure data
// transcoding: matching a parsed message against a previously bound channel
// is the caller's responsibility.
package tokenbinding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// HeaderName is the HTTP request header carrying the base64url-encoded
// message.
const HeaderName = "Sec-Token-Binding"

// Type discriminates how a binding relates to the TLS connection it was
// sent on.
type Type uint8

const (
	TypeProvided Type = 0
	TypeReferred Type = 1
)

// KeyParameters identifies the signature algorithm and key format of a
// binding ID.
type KeyParameters uint8

const (
	KeyParametersRSA2048PKCS15 KeyParameters = 0
	KeyParametersRSA2048PSS    KeyParameters = 1
	KeyParametersECDSAP256     KeyParameters = 2
)

// ID is the key-parameters-tagged public key a token is bound to.
type ID struct {
	KeyParameters KeyParameters
	KeyMaterial   []byte
}

// Equal reports whether both IDs carry the same key under the same
// parameters.
func (id ID) Equal(other ID) bool {
	return id.KeyParameters == other.KeyParameters &&
		bytes.Equal(id.KeyMaterial, other.KeyMaterial)
}

// Extension is an opaque extension carried in a binding record. Unknown
// extension types are preserved as-is for forward compatibility.
type Extension struct {
	Type uint8
	Data []byte
}

// TokenBinding is a single record of a message.
type TokenBinding struct {
	Type       Type
	ID         ID
	Signature  []byte
	Extensions []Extension
}

// Message is the ordered sequence of records carried in one header.
type Message []TokenBinding

// ParseError reports why and where a message could not be decoded.
// A parse error is always fatal to the binding check; no part of a
// malformed message may be trusted.
type ParseError struct {
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tokenbinding: parse error at byte %d: %s", e.Offset, e.Reason)
}

func parseErrorf(offset int, format string, args ...any) *ParseError {
	return &ParseError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// Parse decodes a message. The outer 2-byte length prefix must equal the
// remaining byte count exactly; every variable-length field carries its own
// 2-byte length prefix.
func Parse(raw []byte) (Message, error) {
	if len(raw) < 2 {
		return nil, parseErrorf(0, "message too short for length prefix")
	}
	declared := int(binary.BigEndian.Uint16(raw))
	if declared != len(raw)-2 {
		return nil, parseErrorf(0, "declared length %d does not match %d remaining bytes", declared, len(raw)-2)
	}

	c := &cursor{buf: raw, pos: 2}
	var msg Message
	for c.remaining() > 0 {
		binding, err := parseBinding(c)
		if err != nil {
			return nil, err
		}
		msg = append(msg, *binding)
	}
	if len(msg) == 0 {
		return nil, parseErrorf(2, "message contains no bindings")
	}
	return msg, nil
}

func parseBinding(c *cursor) (*TokenBinding, error) {
	typeOffset := c.pos
	bindingType, err := c.byte("binding type")
	if err != nil {
		return nil, err
	}
	switch Type(bindingType) {
	case TypeProvided, TypeReferred:
	default:
		return nil, parseErrorf(typeOffset, "unknown binding type %d", bindingType)
	}

	idOffset := c.pos
	idBlock, err := c.lengthPrefixed("binding id")
	if err != nil {
		return nil, err
	}
	if len(idBlock) < 1 {
		return nil, parseErrorf(idOffset, "binding id misses key parameters")
	}
	keyParams := KeyParameters(idBlock[0])
	switch keyParams {
	case KeyParametersRSA2048PKCS15, KeyParametersRSA2048PSS, KeyParametersECDSAP256:
	default:
		return nil, parseErrorf(idOffset+2, "unknown key parameters %d", idBlock[0])
	}

	signature, err := c.lengthPrefixed("signature")
	if err != nil {
		return nil, err
	}

	extBlock, err := c.lengthPrefixed("extensions")
	if err != nil {
		return nil, err
	}
	extensions, err := parseExtensions(extBlock, c.pos-len(extBlock))
	if err != nil {
		return nil, err
	}

	return &TokenBinding{
		Type: Type(bindingType),
		ID: ID{
			KeyParameters: keyParams,
			KeyMaterial:   append([]byte(nil), idBlock[1:]...),
		},
		Signature:  append([]byte(nil), signature...),
		Extensions: extensions,
	}, nil
}

func parseExtensions(block []byte, base int) ([]Extension, error) {
	var extensions []Extension
	pos := 0
	for pos < len(block) {
		extType := block[pos]
		pos++
		if len(block)-pos < 2 {
			return nil, parseErrorf(base+pos, "extension misses length prefix")
		}
		length := int(binary.BigEndian.Uint16(block[pos:]))
		pos += 2
		if len(block)-pos < length {
			return nil, parseErrorf(base+pos, "extension data truncated: need %d, have %d", length, len(block)-pos)
		}
		extensions = append(extensions, Extension{
			Type: extType,
			Data: append([]byte(nil), block[pos:pos+length]...),
		})
		pos += length
	}
	return extensions, nil
}

// Serialize is the inverse of Parse: Parse(Serialize(m)) reproduces m for
// any valid message.
func Serialize(msg Message) ([]byte, error) {
	if len(msg) == 0 {
		return nil, fmt.Errorf("tokenbinding: empty message")
	}
	var body bytes.Buffer
	for i, binding := range msg {
		if err := writeBinding(&body, &binding); err != nil {
			return nil, fmt.Errorf("tokenbinding: binding %d: %w", i, err)
		}
	}
	if body.Len() > 0xffff {
		return nil, fmt.Errorf("tokenbinding: message exceeds %d bytes", 0xffff)
	}
	out := make([]byte, 2, 2+body.Len())
	binary.BigEndian.PutUint16(out, uint16(body.Len()))
	return append(out, body.Bytes()...), nil
}

func writeBinding(buf *bytes.Buffer, binding *TokenBinding) error {
	buf.WriteByte(byte(binding.Type))

	idLen := 1 + len(binding.ID.KeyMaterial)
	if err := writeLength(buf, idLen, "binding id"); err != nil {
		return err
	}
	buf.WriteByte(byte(binding.ID.KeyParameters))
	buf.Write(binding.ID.KeyMaterial)

	if err := writeLength(buf, len(binding.Signature), "signature"); err != nil {
		return err
	}
	buf.Write(binding.Signature)

	extLen := 0
	for _, ext := range binding.Extensions {
		extLen += 3 + len(ext.Data)
	}
	if err := writeLength(buf, extLen, "extensions"); err != nil {
		return err
	}
	for _, ext := range binding.Extensions {
		buf.WriteByte(ext.Type)
		if err := writeLength(buf, len(ext.Data), "extension data"); err != nil {
			return err
		}
		buf.Write(ext.Data)
	}
	return nil
}

func writeLength(buf *bytes.Buffer, n int, field string) error {
	if n > 0xffff {
		return fmt.Errorf("%s exceeds %d bytes", field, 0xffff)
	}
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(n))
	buf.Write(prefix[:])
	return nil
}

// DecodeHeader parses a message from its base64url header framing.
func DecodeHeader(header string) (Message, error) {
	raw, err := base64.RawURLEncoding.DecodeString(header)
	if err != nil {
		return nil, parseErrorf(0, "invalid base64url framing: %v", err)
	}
	return Parse(raw)
}

// EncodeHeader serializes a message into its base64url header framing.
func EncodeHeader(msg Message) (string, error) {
	raw, err := Serialize(msg)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Provided returns the provided binding of the message, if any.
func (m Message) Provided() (*TokenBinding, bool) {
	for i := range m {
		if m[i].Type == TypeProvided {
			return &m[i], true
		}
	}
	return nil, false
}

type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.pos
}

func (c *cursor) byte(field string) (byte, error) {
	if c.remaining() < 1 {
		return 0, parseErrorf(c.pos, "%s truncated", field)
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) lengthPrefixed(field string) ([]byte, error) {
	if c.remaining() < 2 {
		return nil, parseErrorf(c.pos, "%s misses length prefix", field)
	}
	length := int(binary.BigEndian.Uint16(c.buf[c.pos:]))
	c.pos += 2
	if c.remaining() < length {
		return nil, parseErrorf(c.pos, "%s truncated: need %d, have %d", field, length, c.remaining())
	}
	data := c.buf[c.pos : c.pos+length]
	c.pos += length
	return data, nil
}
