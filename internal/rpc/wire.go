// Package rpc carries boundary calls between the unprivileged client and the
// elevated broker over a local stream socket. Messages are a fixed header and
// a payload of typed fields; stdio handles and the child's exit pipe travel
// alongside as SCM_RIGHTS ancillary data.
package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire constants.
const (
	Magic          uint32 = 0x5355444F // "SUDO"
	Version        uint16 = 1
	HeaderLen             = 16
	FieldHeaderLen        = 7
	// MaxFiles bounds the handles attached to one message.
	MaxFiles = 6
	// DefaultMaxPayload bounds a payload when no limit is configured.
	DefaultMaxPayload = 1 << 20
)

// Message types.
const (
	MsgRequest     uint16 = 1
	MsgReply       uint16 = 2
	MsgShutdown    uint16 = 3
	MsgShutdownAck uint16 = 4
)

// Field value types.
const (
	TypeU32    uint8 = 3
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Request fields.
const (
	FieldMode          uint16 = 1
	FieldApplication   uint16 = 2
	FieldArgs          uint16 = 3
	FieldTargetDir     uint16 = 4
	FieldEnvVars       uint16 = 5
	FieldCorrelationID uint16 = 6
	FieldParentPID     uint16 = 7
	FieldHandleMask    uint16 = 8
)

// Reply fields.
const (
	FieldStatus   uint16 = 100
	FieldChildPID uint16 = 101
)

var (
	ErrShortHeader      = errors.New("rpc: short header")
	ErrBadMagic         = errors.New("rpc: bad magic")
	ErrBadVersion       = errors.New("rpc: unsupported version")
	ErrPayloadTooLarge  = errors.New("rpc: payload too large")
	ErrShortFieldHeader = errors.New("rpc: short field header")
	ErrShortFieldValue  = errors.New("rpc: short field value")
	ErrMissingField     = errors.New("rpc: missing field")
	ErrFieldType        = errors.New("rpc: field type mismatch")
)

// Header is the fixed message header.
type Header struct {
	Magic      uint32
	Version    uint16
	Type       uint16
	Flags      uint32
	PayloadLen uint32
}

// Field is one typed payload field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

// EncodeHeader writes h into b, which must hold HeaderLen bytes.
func EncodeHeader(b []byte, h Header) {
	binary.BigEndian.PutUint32(b[0:4], h.Magic)
	binary.BigEndian.PutUint16(b[4:6], h.Version)
	binary.BigEndian.PutUint16(b[6:8], h.Type)
	binary.BigEndian.PutUint32(b[8:12], h.Flags)
	binary.BigEndian.PutUint32(b[12:16], h.PayloadLen)
}

// DecodeHeader parses and checks a fixed header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Type:       binary.BigEndian.Uint16(b[6:8]),
		Flags:      binary.BigEndian.Uint32(b[8:12]),
		PayloadLen: binary.BigEndian.Uint32(b[12:16]),
	}
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("%w: 0x%08X", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	return h, nil
}

// FieldsLen returns the encoded size of fields.
func FieldsLen(fields []Field) int {
	n := 0
	for _, f := range fields {
		n += FieldHeaderLen + len(f.Value)
	}
	return n
}

// EncodeFields writes fields into b and returns the bytes used. b must hold
// FieldsLen(fields) bytes.
func EncodeFields(b []byte, fields []Field) int {
	i := 0
	for _, f := range fields {
		binary.BigEndian.PutUint16(b[i:i+2], f.ID)
		b[i+2] = f.Type
		binary.BigEndian.PutUint32(b[i+3:i+7], uint32(len(f.Value)))
		i += FieldHeaderLen
		i += copy(b[i:], f.Value)
	}
	return i
}

// DecodeFields parses a payload. Values alias payload.
func DecodeFields(payload []byte) ([]Field, error) {
	var fields []Field
	for i := 0; i < len(payload); {
		if len(payload)-i < FieldHeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typ := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += FieldHeaderLen
		if uint64(len(payload)-i) < uint64(l) {
			return nil, ErrShortFieldValue
		}
		fields = append(fields, Field{ID: id, Type: typ, Value: payload[i : i+int(l)]})
		i += int(l)
	}
	return fields, nil
}

// U32Field builds a u32 field.
func U32Field(id uint16, v uint32) Field {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Field{ID: id, Type: TypeU32, Value: b}
}

// StringField builds a string field.
func StringField(id uint16, s string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(s)}
}

// BytesField builds a bytes field.
func BytesField(id uint16, b []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: b}
}

type fieldSet map[uint16]Field

func indexFields(fields []Field) fieldSet {
	set := make(fieldSet, len(fields))
	for _, f := range fields {
		set[f.ID] = f
	}
	return set
}

func (s fieldSet) get(id uint16, typ uint8) (Field, error) {
	f, ok := s[id]
	if !ok {
		return Field{}, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if f.Type != typ {
		return Field{}, fmt.Errorf("%w: field %d has type %d, want %d", ErrFieldType, id, f.Type, typ)
	}
	return f, nil
}

func (s fieldSet) u32(id uint16) (uint32, error) {
	f, err := s.get(id, TypeU32)
	if err != nil {
		return 0, err
	}
	if len(f.Value) != 4 {
		return 0, fmt.Errorf("%w: field %d has %d bytes", ErrFieldType, id, len(f.Value))
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

// str returns a string field; absent optional strings read as empty.
func (s fieldSet) str(id uint16, required bool) (string, error) {
	f, err := s.get(id, TypeString)
	if err != nil {
		if !required && errors.Is(err, ErrMissingField) {
			return "", nil
		}
		return "", err
	}
	return string(f.Value), nil
}
