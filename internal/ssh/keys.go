package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	xssh "golang.org/x/crypto/ssh"
)

// GenerateEd25519Keypair writes an unencrypted OpenSSH private key to
// privateKeyPath and its public half to privateKeyPath+".pub". It returns
// the public key in authorized_keys format. Existing keys are never
// overwritten.
func GenerateEd25519Keypair(privateKeyPath, comment string) (string, error) {
	if _, err := os.Stat(privateKeyPath); err == nil {
		return "", fmt.Errorf("private key %s already exists", privateKeyPath)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	block, err := xssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	sshPub, err := xssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("public key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0o700); err != nil {
		return "", fmt.Errorf("mkdir key dir: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	authorized := string(xssh.MarshalAuthorizedKey(sshPub))
	if err := os.WriteFile(privateKeyPath+".pub", []byte(authorized), 0o644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	return authorized, nil
}

// LoadPrivateKeySigner reads an unencrypted OpenSSH or PEM private key.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", privateKeyPath, err)
	}
	return signer, nil
}
