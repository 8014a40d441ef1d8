package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// EnsureKnownHostsFile creates an empty known_hosts file (and its
// directory) when missing.
func EnsureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create known_hosts: %w", err)
	}
	return f.Close()
}

// AppendKnownHost records authorizedKey for host ("name" or "name:port").
func AppendKnownHost(path, host, authorizedKey string) error {
	if err := EnsureKnownHostsFile(path); err != nil {
		return err
	}
	pubKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return fmt.Errorf("parse authorized key: %w", err)
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(host)}, pubKey)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// LoadKnownHostsCallback returns a strict host key callback. Unknown hosts
// are rejected; there is no trust-on-first-use.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if path == "" {
		return nil, errors.New("known_hosts path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	return knownhosts.New(path)
}

// IsUnknownHost reports whether err came from a host missing in known_hosts.
func IsUnknownHost(err error) bool {
	var ke *knownhosts.KeyError
	return errors.As(err, &ke) && len(ke.Want) == 0
}

// CheckHost runs the known_hosts callback for host ("name" or
// "name:port") against key.
func CheckHost(cb xssh.HostKeyCallback, host string, key xssh.PublicKey) error {
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "22")
	}
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}
	return cb(host, addr, key)
}
