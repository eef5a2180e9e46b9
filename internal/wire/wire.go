// Package wire holds the small protobuf wire-format helpers shared by the binary codecs.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed indicates that a payload is not valid protobuf wire data.
var ErrMalformed = errors.New("wire: malformed payload")

// Field is one decoded top-level field.
type Field struct {
	Number protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// Walk visits every top-level field of data in order. Varint and length-delimited fields
// are decoded; any other wire type is skipped.
func Walk(data []byte, visit func(Field) error) error {
	for len(data) > 0 {
		number, wireType, tagLen := protowire.ConsumeTag(data)
		if tagLen < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(tagLen))
		}
		data = data[tagLen:]

		field := Field{Number: number, Type: wireType}
		var valueLen int
		switch wireType {
		case protowire.VarintType:
			field.Varint, valueLen = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			field.Bytes, valueLen = protowire.ConsumeBytes(data)
		default:
			valueLen = protowire.ConsumeFieldValue(number, wireType, data)
		}
		if valueLen < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, number, protowire.ParseError(valueLen))
		}
		data = data[valueLen:]

		if wireType != protowire.VarintType && wireType != protowire.BytesType {
			continue
		}
		if err := visit(field); err != nil {
			return err
		}
	}
	return nil
}

// AppendVarint appends a varint field.
func AppendVarint(b []byte, number protowire.Number, value uint64) []byte {
	b = protowire.AppendTag(b, number, protowire.VarintType)
	return protowire.AppendVarint(b, value)
}

// AppendBytes appends a length-delimited field.
func AppendBytes(b []byte, number protowire.Number, value []byte) []byte {
	b = protowire.AppendTag(b, number, protowire.BytesType)
	return protowire.AppendBytes(b, value)
}

// AppendString appends a length-delimited string field.
func AppendString(b []byte, number protowire.Number, value string) []byte {
	b = protowire.AppendTag(b, number, protowire.BytesType)
	return protowire.AppendString(b, value)
}

// AppendBool appends a varint-encoded boolean field.
func AppendBool(b []byte, number protowire.Number, value bool) []byte {
	return AppendVarint(b, number, protowire.EncodeBool(value))
}
