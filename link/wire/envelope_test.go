package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		env  Envelope
	}{
		{"empty", Envelope{Type: 0, Seq: 0, Payload: nil}},
		{"ping", Envelope{Type: 10, Seq: 1, Payload: []byte("ping")}},
		{"max-ids", Envelope{Type: math.MaxUint32, Seq: math.MaxUint32, Payload: []byte{0x00, 0xff}}},
		{"binary", Envelope{Type: 7, Seq: 0xdeadbeef, Payload: bytes.Repeat([]byte{0x5a}, 4096)}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b := Marshal(c.env)
			require.Equal(t, HeaderSize+len(c.env.Payload), len(b))
			e, n, err := Parse(b)
			require.NoError(t, err)
			assert.Equal(t, len(b), n)
			assert.Equal(t, c.env.Type, e.Type)
			assert.Equal(t, c.env.Seq, e.Seq)
			assert.Equal(t, c.env.Payload, e.Payload)
		})
	}
}

func TestTruncated(t *testing.T) {
	t.Parallel()

	full := Marshal(Envelope{Type: 3, Seq: 99, Payload: []byte("hello world")})
	for cut := 0; cut < len(full); cut++ {
		_, n, err := Parse(full[:cut])
		assert.Equal(t, ErrTruncated, err, "prefix len=%d", cut)
		assert.Equal(t, 0, n)
	}
}

func TestMalformed(t *testing.T) {
	t.Parallel()

	b := Marshal(Envelope{Type: 1, Seq: 2, Payload: []byte("x")})
	binary.LittleEndian.PutUint32(b[8:], MaxPayloadSize+1)
	_, _, err := Parse(b)
	assert.Equal(t, ErrMalformed, err)
}

func TestParsePayloadIsCopy(t *testing.T) {
	t.Parallel()

	b := Marshal(Envelope{Type: 1, Seq: 2, Payload: []byte("orig")})
	e, _, err := Parse(b)
	require.NoError(t, err)
	b[HeaderSize] = 'X'
	assert.Equal(t, []byte("orig"), e.Payload)
}

func TestConcatenated(t *testing.T) {
	t.Parallel()

	envs := []Envelope{
		{Type: 1, Seq: 10, Payload: []byte("one")},
		{Type: 2, Seq: 11, Payload: nil},
		{Type: 3, Seq: 12, Payload: []byte("three")},
	}
	var b []byte
	for _, e := range envs {
		b = Append(b, e)
	}

	got := make([]Envelope, 0, len(envs))
	for len(b) > 0 {
		e, n, err := Parse(b)
		require.NoError(t, err)
		got = append(got, e)
		b = b[n:]
	}
	require.Len(t, got, len(envs))
	for i := range envs {
		assert.Equal(t, envs[i].Type, got[i].Type)
		assert.Equal(t, envs[i].Seq, got[i].Seq)
		assert.Equal(t, envs[i].Payload, got[i].Payload)
	}
}
