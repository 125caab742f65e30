// Package sshkeys resolves and validates SSH key material supplied to the
// `connect` tool-call operation: inline PEM content, a path on the local
// filesystem, or a path plus passphrase. It never persists key
// material to disk; everything here produces an in-memory ssh.Signer.
//
// Path handling is deliberately paranoid: a leading "~" expands to the
// process user's home directory, any path component containing ".." is
// rejected outright, and the resolved (symlink-following) path is refused if
// it falls under a sensitive system prefix. Errors returned to callers
// never leak the underlying absolute path or home directory; only one of
// three canonical messages is ever surfaced.
package sshkeys

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Canonical, sanitized error messages. These are the only strings returned
// to callers for path-related failures — never the raw path or error.
var (
	ErrKeyFileNotAccessible = errors.New("Key file not accessible")
	ErrPermissionDenied     = errors.New("Permission denied accessing key file")
	ErrInvalidPath          = errors.New("Invalid path")
)

// forbiddenPrefixes lists absolute path prefixes that a key file path may
// never resolve into, before or after symlink resolution.
var forbiddenPrefixes = []string{
	"/etc/",
	"/proc/",
	"/sys/",
	"/dev/",
	"/boot/",
	"/root/",
}

// ResolvePath expands a leading "~", rejects any path component containing
// "..", and
// refuses paths (including symlink targets) under a forbidden system prefix.
// On success it returns the absolute, symlink-resolved path.
func ResolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ErrInvalidPath
	}

	expanded, err := expandHome(path)
	if err != nil {
		return "", ErrInvalidPath
	}

	for _, part := range strings.Split(expanded, string(filepath.Separator)) {
		if strings.Contains(part, "..") {
			return "", ErrInvalidPath
		}
	}

	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", ErrInvalidPath
	}
	if isForbidden(abs) {
		return "", ErrInvalidPath
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Stat separately so we can distinguish "doesn't exist" from
		// "exists but unreadable" for the two accessibility error kinds.
		if _, statErr := os.Stat(abs); statErr != nil {
			if os.IsPermission(statErr) {
				return "", ErrPermissionDenied
			}
			return "", ErrKeyFileNotAccessible
		}
		return "", ErrPermissionDenied
	}
	if isForbidden(resolved) {
		return "", ErrInvalidPath
	}

	return resolved, nil
}

func isForbidden(abs string) bool {
	for _, prefix := range forbiddenPrefixes {
		if strings.HasPrefix(abs, prefix) {
			return true
		}
	}
	return false
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return u.HomeDir, nil
	}
	return filepath.Join(u.HomeDir, strings.TrimPrefix(path, "~/")), nil
}

// LoadSignerFromFile resolves and reads a private key file, returning a
// signer. passphrase is used only if the key is encrypted.
func LoadSignerFromFile(path, passphrase string) (ssh.Signer, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsPermission(err) {
			return nil, ErrPermissionDenied
		}
		return nil, ErrKeyFileNotAccessible
	}

	return ParsePrivateKey(data, passphrase)
}

// ParsePrivateKey parses PEM-encoded private key content into an ssh.Signer.
// passphrase may be empty for unencrypted keys.
func ParsePrivateKey(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase == "" {
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
