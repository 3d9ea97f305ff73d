package bencode

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomValue(r *rand.Rand, depth int) Value {
	if depth <= 0 {
		return leafValue(r)
	}
	switch r.Intn(4) {
	case 0:
		return leafValue(r)
	case 1:
		n := r.Intn(4)
		items := make([]Value, n)
		for i := range items {
			items[i] = randomValue(r, depth-1)
		}
		return List(items)
	default:
		n := r.Intn(4)
		dict := make(map[string]Value, n)
		for i := 0; i < n; i++ {
			dict[randomKey(r)] = randomValue(r, depth-1)
		}
		return Dict(dict)
	}
}

func leafValue(r *rand.Rand) Value {
	if r.Intn(2) == 0 {
		return Int(r.Int63n(1 << 40))
	}
	b := make([]byte, r.Intn(16))
	r.Read(b)
	return String(b)
}

func randomKey(r *rand.Rand) string {
	letters := "abcdefghijklmnop"
	n := 1 + r.Intn(6)
	out := make([]byte, n)
	for i := range out {
		out[i] = letters[r.Intn(len(letters))]
	}
	return string(out)
}

func TestRoundTripDecodeEncode(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		v := randomValue(r, 3)
		encoded := Encode(v)
		decoded, n, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, len(encoded), n)
		require.True(t, Equal(v, decoded), "round trip mismatch for %+v", v)
	}
}

func TestEncodeDecodeCanonicalBytes(t *testing.T) {
	// Dictionary keys are out of lexicographic order on purpose; Encode
	// must still emit them sorted so the re-encoded bytes match what a
	// canonical encoder would have produced for the same content.
	v := Dict(map[string]Value{
		"zeta":  Int(1),
		"alpha": String([]byte("hi")),
	})
	encoded := Encode(v)
	require.Equal(t, "d5:alpha2:hi4:zetai1ee", string(encoded))

	decoded, n, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.Equal(t, string(encoded), string(Encode(decoded)))
}

func TestDecodeMalformedInputs(t *testing.T) {
	cases := []string{
		"",
		"x",
		"i1",
		"i-e",
		"5:ab",
		"l1:a",
		"d1:ae",
		"di1ei2ee",
	}
	for _, c := range cases {
		_, _, err := Decode([]byte(c))
		require.Error(t, err, "input %q should fail to decode", c)
		var malformed *MalformedInput
		require.ErrorAs(t, err, &malformed)
	}
}

func TestDecodeKeepAliveStyleEmptyString(t *testing.T) {
	v, n, err := Decode([]byte("0:"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	s, err := v.AsString()
	require.NoError(t, err)
	require.Empty(t, s)
}
