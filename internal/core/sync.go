package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	gssh "github.com/stratus-run/stratus/internal/ssh"
	"github.com/stratus-run/stratus/pkg/api"
)

// FileSync ships attached files too large to inline to the uploads host
// over SFTP, then verifies the remote copy against the local checksum.
type FileSync struct {
	cfg Config
}

func NewFileSync(cfg Config) *FileSync {
	return &FileSync{cfg: cfg}
}

func (fs *FileSync) client() (*gssh.Client, error) {
	keyPath := fs.cfg.Uploads.KeyPath
	if keyPath == "" {
		return nil, fmt.Errorf("uploads key_path not configured")
	}
	signer, err := gssh.LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load upload key: %w", err)
	}
	kh, err := gssh.LoadKnownHostsCallback(fs.cfg.Uploads.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	port := fs.cfg.Uploads.Port
	if port == 0 {
		port = 22
	}
	return &gssh.Client{
		Addr:       fmt.Sprintf("%s:%d", fs.cfg.Uploads.Host, port),
		User:       fs.cfg.Uploads.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    30 * time.Second,
		Retries:    fs.cfg.Defaults.Retries,
		Backoff:    500 * time.Millisecond,
	}, nil
}

// Push uploads one attached file under <Dir>/<job>/<path> on the uploads
// host and checks the remote checksum matches the payload's.
func (fs *FileSync) Push(ctx context.Context, baseDir, jobName string, f api.FilePayload) error {
	c, err := fs.client()
	if err != nil {
		return err
	}
	cli, err := gssh.Dial(ctx, c)
	if err != nil {
		return fmt.Errorf("dial uploads host: %w", err)
	}
	defer cli.Close()

	local := filepath.Join(baseDir, f.Path)
	remote := filepath.ToSlash(filepath.Join(fs.cfg.Uploads.Dir, jobName, f.Path))
	if err := gssh.PushFile(ctx, cli, local, remote); err != nil {
		return err
	}
	if err := fs.verifyRemote(ctx, c, remote, f.SHA256); err != nil {
		return err
	}
	log.Debug().Str("file", f.Path).Str("remote", remote).Msg("attached file synced")
	return nil
}

func (fs *FileSync) verifyRemote(ctx context.Context, c *gssh.Client, remotePath, want string) error {
	cmd := fmt.Sprintf("sha256sum %s | cut -d' ' -f1", remotePath)
	stdout, _, err := c.RunCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	got := strings.TrimSpace(stdout)
	if got != want {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", remotePath, want, got)
	}
	return nil
}
