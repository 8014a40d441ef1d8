package core

import (
	"os"
	"strconv"

	"github.com/experimentstash/stash/internal/registry"
	"github.com/rs/zerolog/log"
)

// Archive settings may be supplied outside meta.yaml so host details and key
// paths stay out of the shared workspace.
const (
	EnvArchiveHost       = "STASH_ARCHIVE_HOST"
	EnvArchivePort       = "STASH_ARCHIVE_PORT"
	EnvArchiveUser       = "STASH_ARCHIVE_USER"
	EnvArchiveKey        = "STASH_ARCHIVE_KEY"
	EnvArchiveKnownHosts = "STASH_ARCHIVE_KNOWN_HOSTS"
	EnvArchiveRemoteDir  = "STASH_ARCHIVE_REMOTE_DIR"
)

// ArchiveSettings returns the workspace archive settings with secrets.env and
// then the process environment layered on top.
func ArchiveSettings(s registry.Settings, secretsPath string) registry.ArchiveSettings {
	secrets, err := LoadSecretsEnv(secretsPath)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring unreadable secrets.env")
	}
	for _, k := range []string{EnvArchiveHost, EnvArchivePort, EnvArchiveUser, EnvArchiveKey, EnvArchiveKnownHosts, EnvArchiveRemoteDir} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	a := s.Archive
	if v := secrets[EnvArchiveHost]; v != "" {
		a.Host = v
	}
	if v := secrets[EnvArchivePort]; v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			a.Port = port
		} else {
			log.Warn().Str("value", v).Msg("ignoring invalid " + EnvArchivePort)
		}
	}
	if v := secrets[EnvArchiveUser]; v != "" {
		a.User = v
	}
	if v := secrets[EnvArchiveKey]; v != "" {
		a.KeyPath = v
	}
	if v := secrets[EnvArchiveKnownHosts]; v != "" {
		a.KnownHosts = v
	}
	if v := secrets[EnvArchiveRemoteDir]; v != "" {
		a.RemoteDir = v
	}
	if a.RemoteDir == "" {
		a.RemoteDir = "stash"
	}
	return a
}
