package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/argon2"
	"lukechampine.com/blake3"
)

const (
	gcmNonceSize = 12
	saltSize     = 32

	// Derived key material layout: AES key, id-hash key, chunk seed.
	derivedSize = 32 + 32 + 4
)

// KDF parameters for argon2id. Conservative defaults; persisted in the
// key file so they can be raised later without breaking old
// repositories.
const (
	defaultKDFTime    = 4
	defaultKDFMemory  = 64 * 1024 // KiB
	defaultKDFThreads = 2
)

// keyFile is the persisted envelope of a passphrase key: everything
// needed to re-derive the key material except the passphrase itself.
type keyFile struct {
	Version int    `msgpack:"version"`
	Type    byte   `msgpack:"type"`
	Salt    []byte `msgpack:"salt"`
	Time    uint32 `msgpack:"time"`
	Memory  uint32 `msgpack:"memory"`
	Threads uint8  `msgpack:"threads"`
}

// PassphraseKey encrypts envelopes with AES-256-GCM and computes
// content ids with keyed BLAKE3, both derived from a passphrase via
// argon2id.
type PassphraseKey struct {
	aead      cipher.AEAD
	idKey     [32]byte
	chunkSeed uint32
}

// NewPassphraseKey derives a key from a passphrase and explicit KDF
// inputs. Most callers want CreatePassphraseKey or LoadPassphraseKey.
func NewPassphraseKey(passphrase string, salt []byte, time, memory uint32, threads uint8) (*PassphraseKey, error) {
	if len(salt) != saltSize {
		return nil, fmt.Errorf("invalid salt length %d", len(salt))
	}
	material := argon2.IDKey([]byte(passphrase), salt, time, memory, threads, derivedSize)

	block, err := aes.NewCipher(material[:32])
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}

	k := &PassphraseKey{
		aead:      aead,
		chunkSeed: binary.LittleEndian.Uint32(material[64:68]),
	}
	copy(k.idKey[:], material[32:64])
	return k, nil
}

// CreatePassphraseKey generates a fresh salt, derives a key and writes
// the key file. Fails if the key file already exists.
func CreatePassphraseKey(path, passphrase string) (*PassphraseKey, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("key file %s already exists", path)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	kf := keyFile{
		Version: 1,
		Type:    TypePassphrase,
		Salt:    salt,
		Time:    defaultKDFTime,
		Memory:  defaultKDFMemory,
		Threads: defaultKDFThreads,
	}
	data, err := msgpack.Marshal(&kf)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	return NewPassphraseKey(passphrase, salt, kf.Time, kf.Memory, kf.Threads)
}

// LoadPassphraseKey re-derives a key from an existing key file.
func LoadPassphraseKey(path, passphrase string) (*PassphraseKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var kf keyFile
	if err := msgpack.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to decode key file: %w", err)
	}
	if kf.Version != 1 {
		return nil, fmt.Errorf("unknown key file version %d", kf.Version)
	}
	if kf.Type != TypePassphrase {
		return nil, ErrUnknownKeyType
	}
	return NewPassphraseKey(passphrase, kf.Salt, kf.Time, kf.Memory, kf.Threads)
}

// IDHash computes the keyed BLAKE3-256 content id of a plaintext.
func (k *PassphraseKey) IDHash(data []byte) ID {
	h := blake3.New(IDSize, k.idKey[:])
	h.Write(data)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// Encrypt compresses the plaintext and seals it under a random nonce.
func (k *PassphraseKey) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	compressed := compress(data)
	out := make([]byte, 0, 1+gcmNonceSize+len(compressed)+k.aead.Overhead())
	out = append(out, TypePassphrase)
	out = append(out, nonce...)
	return k.aead.Seal(out, nonce, compressed, nil), nil
}

// Decrypt opens an envelope and, for non-zero ids, verifies that the
// plaintext hashes back to the id it was fetched under.
func (k *PassphraseKey) Decrypt(id ID, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 1+gcmNonceSize+k.aead.Overhead() {
		return nil, fmt.Errorf("%w: envelope too short", ErrDecryptFailed)
	}
	if ciphertext[0] != TypePassphrase {
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownKeyType, ciphertext[0])
	}

	nonce := ciphertext[1 : 1+gcmNonceSize]
	compressed, err := k.aead.Open(nil, nonce, ciphertext[1+gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	data, err := decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if !id.IsZero() && k.IDHash(data) != id {
		return nil, fmt.Errorf("%w: content id mismatch for %s", ErrDecryptFailed, id)
	}
	return data, nil
}

// ChunkSeed returns the keyed chunker seed.
func (k *PassphraseKey) ChunkSeed() uint32 {
	return k.chunkSeed
}
