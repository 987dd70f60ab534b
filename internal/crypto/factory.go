package crypto

import (
	"fmt"
)

// FactoryOptions carry the out-of-band material a key implementation
// may need when reconstructed from a sampled envelope.
type FactoryOptions struct {
	// KeyFile locates the persisted KDF parameters for passphrase keys.
	KeyFile string
	// Passphrase unlocks passphrase keys.
	Passphrase string
}

// Factory inspects a sampled envelope and returns the key
// implementation able to open it. The consistency checker uses this to
// identify the key of an unknown repository from any stored object.
func Factory(sample []byte, opts FactoryOptions) (Key, error) {
	if len(sample) == 0 {
		return nil, fmt.Errorf("%w: empty sample", ErrUnknownKeyType)
	}
	switch sample[0] {
	case TypePlaintext:
		return NewPlaintextKey(), nil
	case TypePassphrase:
		if opts.Passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		return LoadPassphraseKey(opts.KeyFile, opts.Passphrase)
	default:
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownKeyType, sample[0])
	}
}
