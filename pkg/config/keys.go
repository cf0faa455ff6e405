package config

import (
	"fmt"

	"github.com/chainsafe/bridge-settlement/pkg/keys"
)

// resolvePrivateKeys decrypts encrypted chain keys in place so the rest of
// the process only sees plain hex.
func resolvePrivateKeys(config *Config) error {
	var masterKey []byte
	for slug, ch := range config.Chains {
		if ch == nil || !keys.IsEncrypted(ch.PrivateKey) {
			continue
		}
		if masterKey == nil {
			if config.Keys.MasterKey == "" {
				return fmt.Errorf("chains.%s.private_key: %w", slug, keys.ErrMasterKeyRequired)
			}
			var err error
			masterKey, err = keys.MasterKeyFromBase64(config.Keys.MasterKey)
			if err != nil {
				return fmt.Errorf("keys.master_key: %w", err)
			}
		}
		plain, err := keys.ResolvePrivateKeyHex(ch.PrivateKey, masterKey)
		if err != nil {
			return fmt.Errorf("chains.%s.private_key: %w", slug, err)
		}
		ch.PrivateKey = plain
	}
	return nil
}
