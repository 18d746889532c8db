package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInt(t *testing.T) {
	v, err := Decode([]byte("i123e"))
	require.NoError(t, err)
	assert.True(t, v.IsInt())
	assert.Equal(t, int64(123), v.Int)
}

func TestDecodeString(t *testing.T) {
	v, err := Decode([]byte("4:name"))
	require.NoError(t, err)
	assert.True(t, v.IsBytes())
	assert.Equal(t, "name", v.String())
}

func TestDecodeList(t *testing.T) {
	v, err := Decode([]byte("l4:spam4:eggsi123ee"))
	require.NoError(t, err)
	require.True(t, v.IsList())
	require.Len(t, v.List, 3)
	assert.Equal(t, "spam", v.List[0].String())
	assert.Equal(t, "eggs", v.List[1].String())
	assert.Equal(t, int64(123), v.List[2].Int)
}

func TestDecodeDictPreservesOrder(t *testing.T) {
	v, err := Decode([]byte("d3:cow3:moo4:spam4:eggse"))
	require.NoError(t, err)
	require.True(t, v.IsDict())
	require.Len(t, v.Dict, 2)
	assert.Equal(t, "cow", v.Dict[0].Key)
	assert.Equal(t, "moo", v.Dict[0].Value.String())
	assert.Equal(t, "spam", v.Dict[1].Key)
	assert.Equal(t, "eggs", v.Dict[1].Value.String())
}

func TestDecodeEmptyInputIsMalformed(t *testing.T) {
	_, err := Decode([]byte(""))
	require.Error(t, err)
	var synErr *SyntaxError
	require.ErrorAs(t, err, &synErr)
}

func TestDecodeNilInputIsTypeError(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
	var typErr *TypeError
	require.ErrorAs(t, err, &typErr)
}

func TestDecodeRejectsLeadingZero(t *testing.T) {
	_, err := Decode([]byte("i00e"))
	require.Error(t, err)
}

func TestDecodeAcceptsZero(t *testing.T) {
	v, err := Decode([]byte("i0e"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Int)
}

func TestDecodeRejectsNegativeZero(t *testing.T) {
	_, err := Decode([]byte("i-0e"))
	require.Error(t, err)
}

func TestRoundTripCanonicalValues(t *testing.T) {
	inputs := [][]byte{
		[]byte("i123e"),
		[]byte("4:name"),
		[]byte("l4:spam4:eggsi123ee"),
		[]byte("d3:cow3:moo4:spam4:eggse"),
		[]byte("le"),
		[]byte("de"),
		[]byte("i-42e"),
	}
	for _, b := range inputs {
		v, err := Decode(b)
		require.NoError(t, err, "decode %q", b)
		out, err := Encode(v)
		require.NoError(t, err, "encode %q", b)
		assert.Equal(t, b, out, "round trip %q", b)
	}
}

func TestEncodeNestedDictionary(t *testing.T) {
	v := Dictionary(
		Pair{"a", Int64(123)},
		Pair{"b", Dictionary(
			Pair{"ba", Str("foo")},
			Pair{"bb", Str("bar")},
		)},
		Pair{"c", Seq(Seq(Str("a"), Str("b")), Str("z"))},
	)
	out, err := Encode(v)
	require.NoError(t, err)
	assert.Equal(t, "d1:ai123e1:bd2:ba3:foo2:bb3:bare1:cll1:a1:be1:zee", string(out))
}

func TestEncodeBadDictionary(t *testing.T) {
	_, err := Encode(Dictionary(Pair{"k", Value{}}))
	require.Error(t, err)
}

func TestDecodeTruncatedString(t *testing.T) {
	_, err := Decode([]byte("10:short"))
	require.Error(t, err)
}

func TestDecodeUnterminatedContainer(t *testing.T) {
	_, err := Decode([]byte("l4:spam"))
	require.Error(t, err)
}

func TestDecodeUnknownLeadingByte(t *testing.T) {
	_, err := Decode([]byte("x123e"))
	require.Error(t, err)
}

func TestGetOnDict(t *testing.T) {
	v, err := Decode([]byte("d3:cow3:moo4:spam4:eggse"))
	require.NoError(t, err)
	got, ok := v.Get("spam")
	require.True(t, ok)
	assert.Equal(t, "eggs", got.String())

	_, ok = v.Get("missing")
	assert.False(t, ok)
}
