package sshkeys

import (
	"fmt"

	"github.com/fernet/fernet-go"

	"github.com/sshcoterm/coterm/internal/config"
)

// encryptedPrefix marks an inline private key blob as Fernet-encrypted
// rather than raw PEM. Operators who don't want raw key material flowing
// through the tool-call transport can pre-encrypt it with this scheme,
// keyed by config.Cfg.FernetKey.
const encryptedPrefix = "fernet:"

// IsEncrypted reports whether the given inline key content is a
// Fernet-wrapped blob rather than plain PEM.
func IsEncrypted(privateKeyContent string) bool {
	return len(privateKeyContent) > len(encryptedPrefix) && privateKeyContent[:len(encryptedPrefix)] == encryptedPrefix
}

// DecryptInlineKey decrypts a Fernet-wrapped private key blob using the
// operator-configured key (config.Cfg.FernetKey). It returns an error if no
// key is configured or decryption/verification fails. The decrypted PEM is
// never written to disk; it lives only for the duration of signer parsing.
func DecryptInlineKey(encrypted string) ([]byte, error) {
	if config.Cfg.FernetKey == "" {
		return nil, fmt.Errorf("decrypt inline key: no FernetKey configured")
	}
	key, err := fernet.DecodeKey(config.Cfg.FernetKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt inline key: decode key: %w", err)
	}

	token := []byte(encrypted[len(encryptedPrefix):])
	plaintext := fernet.VerifyAndDecrypt(token, 0, []*fernet.Key{key})
	if plaintext == nil {
		return nil, fmt.Errorf("decrypt inline key: invalid or expired token")
	}
	return plaintext, nil
}
