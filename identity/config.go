package identity

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// KeySetConfig is the on-disk form of a trusted key set.
type KeySetConfig struct {
	// Keys lists serialised public keys ("publickeyv1_<base58>").
	Keys []string `toml:"keys"`
}

// LoadKeySetFile reads a TOML key set file and builds a Verifier from
// it.
func LoadKeySetFile(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read key set file: %w", err)
	}
	var cfg KeySetConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("identity: parse key set file %s: %w", path, err)
	}
	return NewVerifier(cfg.Keys)
}
