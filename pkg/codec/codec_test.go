package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarintBoundaries(t *testing.T) {
	cases := []struct {
		value uint64
		size  int
	}{
		{0, 1},
		{250, 1},
		{251, 3},
		{math.MaxUint16, 3},
		{math.MaxUint16 + 1, 5},
		{math.MaxUint32, 5},
		{math.MaxUint32 + 1, 9},
		{math.MaxUint64, 9},
	}

	for _, c := range cases {
		w := NewWriter()
		w.WriteUint(c.value)
		assert.Equal(t, c.size, w.Len(), "encoded size of %d", c.value)

		r := NewReader(w.Bytes())
		got, err := r.ReadUint()
		require.NoError(t, err)
		assert.Equal(t, c.value, got)
	}
}

func TestZigzagRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 63, -64, 1000, -1000, math.MaxInt64, math.MinInt64}
	for _, v := range values {
		w := NewWriter()
		w.WriteInt(v)

		r := NewReader(w.Bytes())
		got, err := r.ReadInt()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestStringAndBytes(t *testing.T) {
	w := NewWriter()
	w.WriteString("party time 🎉")
	w.WriteBytes([]byte{1, 2, 3})

	r := NewReader(w.Bytes())
	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "party time 🎉", s)

	b, err := r.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)
}

func TestTruncatedInput(t *testing.T) {
	w := NewWriter()
	w.WriteString("hello")

	// Every proper prefix of the encoding must fail, not panic.
	full := w.Bytes()
	for i := 0; i < len(full); i++ {
		r := NewReader(full[:i])
		_, err := r.ReadString()
		assert.Error(t, err, "prefix of length %d", i)
	}
}

func TestCorruptLengthFailsFast(t *testing.T) {
	// A length claiming more bytes than remain must be rejected before any
	// allocation happens.
	w := NewWriter()
	w.WriteUint(1 << 40)
	r := NewReader(w.Bytes())
	_, err := r.ReadLen()
	assert.Error(t, err)
}

type position struct {
	X float32
	Y float32
}

type inventory struct {
	Name     string
	Counts   []uint32
	Owner    *string
	Tags     map[string]string
	Disabled bool
}

func TestMarshalStructRoundTrip(t *testing.T) {
	owner := "operator"
	in := inventory{
		Name:   "rack-a",
		Counts: []uint32{3, 0, 250, 90000},
		Owner:  &owner,
		Tags:   map[string]string{"zone": "left", "cell": "7"},
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out inventory
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestMarshalOptionAbsent(t *testing.T) {
	in := inventory{Name: "rack-b"}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out inventory
	require.NoError(t, Unmarshal(data, &out))
	assert.Nil(t, out.Owner)
}

func TestMarshalDeterministicMapOrder(t *testing.T) {
	in := inventory{
		Name: "rack-c",
		Tags: map[string]string{"b": "2", "a": "1", "c": "3"},
	}

	first, err := Marshal(in)
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		again, err := Marshal(in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMarshalFloats(t *testing.T) {
	in := position{X: 1.5, Y: -2.25}
	data, err := Marshal(in)
	require.NoError(t, err)
	// Two fixed-width f32 values, nothing else.
	assert.Len(t, data, 8)

	var out position
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshalRequiresPointer(t *testing.T) {
	var out position
	err := Unmarshal([]byte{0, 0, 0, 0, 0, 0, 0, 0}, out)
	assert.Error(t, err)
}
