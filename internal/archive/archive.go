package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/experimentstash/stash/internal/registry"
	gssh "github.com/experimentstash/stash/internal/ssh"
	"github.com/experimentstash/stash/pkg/api"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// ConflictError means the remote already holds different bytes for the
// same (tool, tag).
type ConflictError struct {
	Remote string
	Local  string
	Want   string
	Got    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote %s differs from %s (sha256 %s, remote %s)", e.Remote, e.Local, e.Want, e.Got)
}

func (e *ConflictError) Hint() string {
	return "snapshots are immutable; inspect the remote copy before replacing it by hand"
}

// Result reports one archive push.
type Result struct {
	Remote   string
	Checksum string
	Bytes    int64
	// Existing is true when an identical copy was already there.
	Existing bool
}

// Archiver pushes frozen snapshots to the archive host.
type Archiver struct {
	settings registry.ArchiveSettings
	layout   registry.Layout
}

func New(layout registry.Layout, settings registry.ArchiveSettings) *Archiver {
	return &Archiver{settings: settings, layout: layout}
}

// RemotePath is where a snapshot lands on the archive host.
func (a *Archiver) RemotePath(s api.Snapshot) string {
	return path.Join(a.settings.RemoteDir, s.Tool, s.Tag+".yaml")
}

// Push connects to the archive host and uploads the snapshot.
func (a *Archiver) Push(ctx context.Context, s api.Snapshot) (Result, error) {
	if a.settings.Host == "" {
		return Result{}, errors.New("archive: settings.archive.host is not configured")
	}
	signer, err := gssh.LoadPrivateKeySigner(a.layout.Abs(a.settings.KeyPath))
	if err != nil {
		return Result{}, fmt.Errorf("archive: %w", err)
	}
	kh, err := gssh.LoadKnownHostsCallback(a.layout.Abs(a.settings.KnownHosts))
	if err != nil {
		return Result{}, fmt.Errorf("archive: %w", err)
	}
	client := &gssh.Client{
		Host:       a.settings.Host,
		Port:       a.settings.Port,
		User:       a.settings.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    30 * time.Second,
	}
	conn, err := gssh.Dial(ctx, client)
	if err != nil {
		return Result{}, fmt.Errorf("archive: %w", err)
	}
	defer conn.Close()
	sf, err := sftp.NewClient(conn)
	if err != nil {
		return Result{}, fmt.Errorf("archive: sftp client: %w", err)
	}
	defer sf.Close()
	res, err := Upload(sf, s.Path, a.RemotePath(s))
	if err != nil {
		return res, err
	}
	log.Info().Str("tool", s.Tool).Str("tag", s.Tag).Str("host", a.settings.Host).Str("remote", res.Remote).
		Bool("existing", res.Existing).Msg("snapshot archived")
	return res, nil
}

// Upload copies localPath to remotePath over an SFTP session and verifies
// the remote checksum. An identical remote file is left alone; a different
// one is a *ConflictError.
func Upload(sf *sftp.Client, localPath, remotePath string) (Result, error) {
	res := Result{Remote: remotePath}
	want, size, err := fileChecksum(localPath)
	if err != nil {
		return res, fmt.Errorf("checksum %s: %w", localPath, err)
	}
	res.Checksum, res.Bytes = want, size

	if _, err := sf.Stat(remotePath); err == nil {
		got, err := remoteChecksum(sf, remotePath)
		if err != nil {
			return res, err
		}
		if got != want {
			return res, &ConflictError{Remote: remotePath, Local: localPath, Want: want, Got: got}
		}
		res.Existing = true
		return res, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return res, fmt.Errorf("stat remote %s: %w", remotePath, err)
	}

	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return res, fmt.Errorf("create remote directory: %w", err)
	}
	tmp := remotePath + ".part"
	if err := copyTo(sf, localPath, tmp); err != nil {
		_ = sf.Remove(tmp)
		return res, err
	}
	got, err := remoteChecksum(sf, tmp)
	if err != nil {
		_ = sf.Remove(tmp)
		return res, err
	}
	if got != want {
		_ = sf.Remove(tmp)
		return res, fmt.Errorf("checksum verification failed: expected %s, got %s", want, got)
	}
	if err := sf.Rename(tmp, remotePath); err != nil {
		_ = sf.Remove(tmp)
		return res, fmt.Errorf("publish remote %s: %w", remotePath, err)
	}
	return res, nil
}

func copyTo(sf *sftp.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote file: %w", err)
	}
	return nil
}

func remoteChecksum(sf *sftp.Client, remotePath string) (string, error) {
	f, err := sf.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read remote %s: %w", remotePath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileChecksum(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
