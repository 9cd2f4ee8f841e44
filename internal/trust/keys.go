package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Key file names inside the head key directory.
const (
	PrivateKeyFile = "head_private.pem"
	PublicKeyFile  = "head_public.pem"
)

// EnsureKeypair loads the head's Ed25519 keypair from dir, generating and
// persisting a fresh one when none exists. The private key is written with
// 0600 permissions; the public key is world-readable so operators can copy
// it to nodes.
func EnsureKeypair(dir string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create key dir: %w", err)
	}

	privPath := filepath.Join(dir, PrivateKeyFile)
	pubPath := filepath.Join(dir, PublicKeyFile)

	var priv ed25519.PrivateKey
	if data, err := os.ReadFile(privPath); err == nil {
		priv, err = ParsePrivateKeyPEM(data)
		if err != nil {
			return nil, nil, fmt.Errorf("load private key %s: %w", privPath, err)
		}
	} else if os.IsNotExist(err) {
		_, generated, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, nil, fmt.Errorf("generate keypair: %w", genErr)
		}
		priv = generated
		privPEM, encErr := EncodePrivateKeyPEM(priv)
		if encErr != nil {
			return nil, nil, encErr
		}
		if writeErr := os.WriteFile(privPath, privPEM, 0o600); writeErr != nil {
			return nil, nil, fmt.Errorf("write private key: %w", writeErr)
		}
	} else {
		return nil, nil, fmt.Errorf("read private key %s: %w", privPath, err)
	}

	pub := priv.Public().(ed25519.PublicKey)

	// Write the public half when missing so nodes always have something
	// to copy, even after a manual private-key restore.
	if _, err := os.Stat(pubPath); os.IsNotExist(err) {
		pubPEM, encErr := EncodePublicKeyPEM(pub)
		if encErr != nil {
			return nil, nil, encErr
		}
		if writeErr := os.WriteFile(pubPath, pubPEM, 0o644); writeErr != nil {
			return nil, nil, fmt.Errorf("write public key: %w", writeErr)
		}
	}

	return priv, pub, nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 PEM-encoded Ed25519 private key.
func ParsePrivateKeyPEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS#8 key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want ed25519", key)
	}
	return priv, nil
}

// ParsePublicKeyPEM decodes a PKIX PEM-encoded Ed25519 public key.
func ParsePublicKeyPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want ed25519", key)
	}
	return pub, nil
}

// EncodePrivateKeyPEM serializes a private key as PKCS#8 PEM.
func EncodePrivateKeyPEM(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM serializes a public key as PKIX PEM.
func EncodePublicKeyPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
