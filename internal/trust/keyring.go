package trust

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/webai/webai/internal/common/logger"
)

// Keyring holds the node's trusted head public keys, indexed by key id.
// Keys come from two places: the HEAD_PUBLIC_KEYS specs (file paths or
// literal PEM blocks) and the enrolled-keys directory populated via the
// admin enrollment endpoint. Reload rebuilds the set from both.
type Keyring struct {
	mu          sync.RWMutex
	keys        map[string]ed25519.PublicKey
	specs       []string
	enrolledDir string
	logger      *logger.Logger
}

// NewKeyring builds a keyring from the comma-separated spec string and the
// enrolled-keys directory, loading whatever is currently available. A spec
// that names a missing file is skipped (the head may not have written its
// key yet); a spec that fails to parse is an error.
func NewKeyring(specString, enrolledDir string, log *logger.Logger) (*Keyring, error) {
	var specs []string
	for _, raw := range strings.Split(specString, ",") {
		if s := strings.TrimSpace(raw); s != "" {
			specs = append(specs, s)
		}
	}
	k := &Keyring{
		keys:        make(map[string]ed25519.PublicKey),
		specs:       specs,
		enrolledDir: enrolledDir,
		logger:      log.WithFields(zap.String("component", "keyring")),
	}
	if err := k.Reload(); err != nil {
		return nil, err
	}
	return k, nil
}

// Reload rebuilds the trusted set from the configured specs and the
// enrolled-keys directory. Called at startup, on SIGHUP, and on key-id
// cache misses.
func (k *Keyring) Reload() error {
	fresh := make(map[string]ed25519.PublicKey)

	for _, spec := range k.specs {
		pub, skipped, err := loadKeySpec(spec)
		if err != nil {
			return fmt.Errorf("load trusted key %q: %w", spec, err)
		}
		if skipped {
			k.logger.Warn("trusted key file not present yet, skipping",
				zap.String("path", spec))
			continue
		}
		fresh[KeyID(pub)] = pub
	}

	if k.enrolledDir != "" {
		entries, err := os.ReadDir(k.enrolledDir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read enrolled keys dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
				continue
			}
			path := filepath.Join(k.enrolledDir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read enrolled key %s: %w", path, err)
			}
			pub, err := ParsePublicKeyPEM(data)
			if err != nil {
				return fmt.Errorf("parse enrolled key %s: %w", path, err)
			}
			fresh[KeyID(pub)] = pub
		}
	}

	k.mu.Lock()
	k.keys = fresh
	k.mu.Unlock()

	k.logger.Info("trusted keys loaded", zap.Int("count", len(fresh)))
	return nil
}

// loadKeySpec resolves one HEAD_PUBLIC_KEYS entry. A literal PEM block is
// parsed directly; anything else is treated as a file path. A missing path
// is reported as skipped so the node can start before the head has written
// its key file.
func loadKeySpec(spec string) (ed25519.PublicKey, bool, error) {
	if strings.Contains(spec, "-----BEGIN") {
		pub, err := ParsePublicKeyPEM([]byte(spec))
		return pub, false, err
	}
	data, err := os.ReadFile(spec)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, true, nil
		}
		return nil, false, err
	}
	pub, err := ParsePublicKeyPEM(data)
	return pub, false, err
}

// Lookup returns the trusted key for a key id. On a miss it reloads once
// and retries, which picks up keys written after startup.
func (k *Keyring) Lookup(keyID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	pub, ok := k.keys[keyID]
	k.mu.RUnlock()
	if ok {
		return pub, true
	}

	if err := k.Reload(); err != nil {
		k.logger.WithError(err).Warn("keyring reload after cache miss failed")
		return nil, false
	}

	k.mu.RLock()
	pub, ok = k.keys[keyID]
	k.mu.RUnlock()
	return pub, ok
}

// Install parses a PEM public key, persists it into the enrolled-keys
// directory, and adds it to the live set. Returns the key id.
func (k *Keyring) Install(pemData []byte) (string, error) {
	pub, err := ParsePublicKeyPEM(pemData)
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	id := KeyID(pub)

	if k.enrolledDir != "" {
		if err := os.MkdirAll(k.enrolledDir, 0o755); err != nil {
			return "", fmt.Errorf("create enrolled keys dir: %w", err)
		}
		path := filepath.Join(k.enrolledDir, fmt.Sprintf("head_%s.pem", id))
		if err := os.WriteFile(path, pemData, 0o644); err != nil {
			return "", fmt.Errorf("persist enrolled key: %w", err)
		}
	}

	k.mu.Lock()
	k.keys[id] = pub
	k.mu.Unlock()

	k.logger.Info("head public key installed", zap.String("key_id", id))
	return id, nil
}

// Len returns the number of trusted keys.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Empty reports whether no keys are trusted.
func (k *Keyring) Empty() bool {
	return k.Len() == 0
}
