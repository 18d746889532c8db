package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrBadDictionary is returned when a dict contains a value that encodes
// to nothing.
var ErrBadDictionary = errors.New("bencode: dict contains a value that encodes to nothing")

// Encode serializes v to its canonical bencode form. A Value of none of
// the four shapes (such as the zero Value) is silently dropped; inside a
// dict that is ErrBadDictionary, the one way Encode can fail.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeInto(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeInto(buf *bytes.Buffer, v Value) error {
	switch v.Kind {
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case KindBytes:
		buf.WriteString(strconv.Itoa(len(v.Bytes)))
		buf.WriteByte(':')
		buf.Write(v.Bytes)
	case KindList:
		buf.WriteByte('l')
		for _, e := range v.List {
			if err := encodeInto(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		for _, p := range v.Dict {
			encodeInto(buf, Str(p.Key))
			sub, err := Encode(p.Value)
			if err != nil {
				return err
			}
			if len(sub) == 0 {
				return fmt.Errorf("%w: key %q", ErrBadDictionary, p.Key)
			}
			buf.Write(sub)
		}
		buf.WriteByte('e')
	default:
		// Unsupported values encode to nothing.
	}
	return nil
}
