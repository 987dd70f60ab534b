package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func mustPack(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestFrameLenSingleObjects(t *testing.T) {
	cases := []interface{}{
		nil,
		true,
		7,
		-3,
		0xffff,
		int64(-1 << 40),
		3.14,
		"short",
		string(make([]byte, 300)),
		[]byte{1, 2, 3},
		make([]byte, 70000),
		[]interface{}{1, "two", []byte{3}},
		map[string]interface{}{"path": "x", "mode": 0o644},
	}
	for i, v := range cases {
		data := mustPack(t, v)
		n, err := frameLen(data)
		require.NoError(t, err, "case %d", i)
		assert.Equal(t, len(data), n, "case %d", i)
	}
}

func TestFrameLenConcatenation(t *testing.T) {
	a := mustPack(t, map[string]interface{}{"path": "a"})
	b := mustPack(t, map[string]interface{}{"path": "b", "mode": 1})
	joined := append(append([]byte{}, a...), b...)

	n, err := frameLen(joined)
	require.NoError(t, err)
	assert.Equal(t, len(a), n)

	n, err = frameLen(joined[len(a):])
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
}

func TestFrameLenTruncated(t *testing.T) {
	data := mustPack(t, map[string]interface{}{"path": "abcdefgh", "chunks": []interface{}{1, 2, 3}})
	for cut := 0; cut < len(data); cut++ {
		_, err := frameLen(data[:cut])
		assert.ErrorIs(t, err, errShortFrame, "cut at %d", cut)
	}
	n, err := frameLen(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
}

func TestFrameLenInvalid(t *testing.T) {
	_, err := frameLen([]byte{0xc1})
	assert.ErrorIs(t, err, errBadFrame)
}

func TestFrameLenEmpty(t *testing.T) {
	_, err := frameLen(nil)
	assert.ErrorIs(t, err, errShortFrame)
}
