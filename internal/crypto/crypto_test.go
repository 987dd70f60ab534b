package crypto

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *PassphraseKey {
	t.Helper()
	salt := bytes.Repeat([]byte{0x17}, saltSize)
	key, err := NewPassphraseKey("correct horse battery staple", salt, 1, 64, 1)
	require.NoError(t, err)
	return key
}

func TestParseID(t *testing.T) {
	id, err := ParseID("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.False(t, id.IsZero())
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000001", id.Hex())

	_, err = ParseID("zz")
	assert.Error(t, err)
	_, err = IDFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
	assert.True(t, ZeroID.IsZero())
}

func TestPassphraseKeyRoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("some chunk data that compresses compresses compresses")
	id := key.IDHash(plaintext)

	ciphertext, err := key.Encrypt(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)
	require.Equal(t, TypePassphrase, ciphertext[0])

	out, err := key.Decrypt(id, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestPassphraseKeyDetectsTampering(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("authenticated data")
	id := key.IDHash(plaintext)
	ciphertext, err := key.Encrypt(plaintext)
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err = key.Decrypt(id, ciphertext)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestPassphraseKeyDetectsIDMismatch(t *testing.T) {
	key := testKey(t)
	ciphertext, err := key.Encrypt([]byte("chunk A"))
	require.NoError(t, err)

	wrongID := key.IDHash([]byte("chunk B"))
	_, err = key.Decrypt(wrongID, ciphertext)
	assert.ErrorIs(t, err, ErrDecryptFailed)

	// ZeroID skips the plaintext check; the manifest relies on this.
	_, err = key.Decrypt(ZeroID, ciphertext)
	assert.NoError(t, err)
}

func TestIDHashIsKeyed(t *testing.T) {
	a := testKey(t)
	saltB := bytes.Repeat([]byte{0x42}, saltSize)
	b, err := NewPassphraseKey("another passphrase", saltB, 1, 64, 1)
	require.NoError(t, err)

	data := []byte("identical plaintext")
	assert.NotEqual(t, a.IDHash(data), b.IDHash(data))
	assert.Equal(t, a.IDHash(data), a.IDHash(data))
	assert.NotEqual(t, a.ChunkSeed(), uint32(0))
}

func TestPlaintextKeyRoundTrip(t *testing.T) {
	key := NewPlaintextKey()
	plaintext := []byte("not secret")
	id := key.IDHash(plaintext)

	ciphertext, err := key.Encrypt(plaintext)
	require.NoError(t, err)
	require.Equal(t, TypePlaintext, ciphertext[0])

	out, err := key.Decrypt(id, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)

	_, err = key.Decrypt(key.IDHash([]byte("other")), ciphertext)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestKeyFileCreateAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	created, err := CreatePassphraseKey(path, "pw")
	require.NoError(t, err)

	loaded, err := LoadPassphraseKey(path, "pw")
	require.NoError(t, err)

	data := []byte("round trip through the key file")
	assert.Equal(t, created.IDHash(data), loaded.IDHash(data))
	assert.Equal(t, created.ChunkSeed(), loaded.ChunkSeed())

	ciphertext, err := created.Encrypt(data)
	require.NoError(t, err)
	out, err := loaded.Decrypt(created.IDHash(data), ciphertext)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	// Wrong passphrase derives a different key; decryption must fail.
	wrong, err := LoadPassphraseKey(path, "other")
	require.NoError(t, err)
	_, err = wrong.Decrypt(created.IDHash(data), ciphertext)
	assert.Error(t, err)

	_, err = CreatePassphraseKey(path, "pw")
	assert.Error(t, err, "existing key file must not be overwritten")
}

func TestFactoryDispatch(t *testing.T) {
	plain := NewPlaintextKey()
	env, err := plain.Encrypt([]byte("sample"))
	require.NoError(t, err)

	key, err := Factory(env, FactoryOptions{})
	require.NoError(t, err)
	_, ok := key.(*PlaintextKey)
	assert.True(t, ok)

	path := filepath.Join(t.TempDir(), "key")
	created, err := CreatePassphraseKey(path, "pw")
	require.NoError(t, err)
	env2, err := created.Encrypt([]byte("sample"))
	require.NoError(t, err)

	_, err = Factory(env2, FactoryOptions{KeyFile: path})
	assert.ErrorIs(t, err, ErrPassphraseRequired)

	key2, err := Factory(env2, FactoryOptions{KeyFile: path, Passphrase: "pw"})
	require.NoError(t, err)
	_, ok = key2.(*PassphraseKey)
	assert.True(t, ok)

	_, err = Factory([]byte{0x7f}, FactoryOptions{})
	assert.ErrorIs(t, err, ErrUnknownKeyType)
	_, err = Factory(nil, FactoryOptions{})
	assert.ErrorIs(t, err, ErrUnknownKeyType)
}
