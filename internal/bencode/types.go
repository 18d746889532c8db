// Package bencode implements the bencoding value tree used by metainfo
// files and tracker replies: signed integers, byte strings, ordered
// sequences, and order-preserving dictionaries.
//
// Unlike a reflection-driven decoder that targets Go structs or maps,
// Value keeps dictionaries as an ordered list of key/value pairs. That is
// required here: the torrent info-hash is the digest of the info
// sub-dictionary re-encoded exactly as it was read, and a Go map's
// iteration order is unspecified.
package bencode

import "fmt"

// Kind identifies which of the four bencode value shapes a Value holds.
// The zero Kind is none of them, so the zero Value encodes to nothing.
type Kind int

const (
	// KindInt is a signed integer.
	KindInt Kind = iota + 1
	// KindBytes is a raw byte string.
	KindBytes
	// KindList is an ordered sequence of values.
	KindList
	// KindDict is an order-preserving mapping from byte-string keys to
	// values.
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Pair is one key/value entry of a Dict, in the order it was decoded (or
// the order it should be encoded in).
type Pair struct {
	Key   string
	Value Value
}

// Value is a single node of a bencode value tree.
type Value struct {
	Kind  Kind
	Int   int64
	Bytes []byte
	List  []Value
	Dict  []Pair
}

// Int64 constructs an integer Value.
func Int64(n int64) Value { return Value{Kind: KindInt, Int: n} }

// Str constructs a byte-string Value from a UTF-8 string, as the encoder's
// text-string convenience form.
func Str(s string) Value { return Value{Kind: KindBytes, Bytes: []byte(s)} }

// Bin constructs a byte-string Value from raw bytes.
func Bin(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// Seq constructs a list Value.
func Seq(vs ...Value) Value { return Value{Kind: KindList, List: vs} }

// Dictionary constructs a dict Value from pairs given in encode order.
func Dictionary(pairs ...Pair) Value { return Value{Kind: KindDict, Dict: pairs} }

// IsInt reports whether v holds an integer.
func (v Value) IsInt() bool { return v.Kind == KindInt }

// IsBytes reports whether v holds a byte string.
func (v Value) IsBytes() bool { return v.Kind == KindBytes }

// IsList reports whether v holds a list.
func (v Value) IsList() bool { return v.Kind == KindList }

// IsDict reports whether v holds a dict.
func (v Value) IsDict() bool { return v.Kind == KindDict }

// String returns the byte-string payload interpreted as text. Panics are
// never raised; callers should check IsBytes first if the kind is
// uncertain.
func (v Value) String() string { return string(v.Bytes) }

// Get looks up key in a dict Value, returning the zero Value and false if
// v is not a dict or the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	for _, p := range v.Dict {
		if p.Key == key {
			return p.Value, true
		}
	}
	return Value{}, false
}
