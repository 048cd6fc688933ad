package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

// FileTransferResult is the outcome of an SFTP upload.
type FileTransferResult struct {
	Files            int           `json:"files"`
	BytesTransferred int64         `json:"bytes_transferred"`
	Removed          int           `json:"removed,omitempty"`
	Checksum         string        `json:"checksum,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// createSFTPClient opens an SFTP session on the existing connection.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	return sftpClient, nil
}

// UploadData writes data to remotePath, creating parent directories.
// mode defaults to 0644.
func (c *SSHClient) UploadData(ctx context.Context, remotePath string, data []byte, mode uint32) (*FileTransferResult, error) {
	start := time.Now()

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	n, err := c.writeRemote(ctx, sftpClient, remotePath, bytes.NewReader(data), mode)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	result := &FileTransferResult{
		Files:            1,
		BytesTransferred: n,
		Checksum:         fmt.Sprintf("%x", sum),
		Duration:         time.Since(start),
	}

	c.logger.Info().
		Str("remote", remotePath).
		Int64("bytes", n).
		Dur("duration", result.Duration).
		Msg("File uploaded")
	return result, nil
}

// MirrorDirectory makes remoteDir an exact copy of localDir: files are
// uploaded with their permissions and remote entries missing locally are
// removed.
func (c *SSHClient) MirrorDirectory(ctx context.Context, localDir, remoteDir string) (*FileTransferResult, error) {
	start := time.Now()
	remoteDir = path.Clean(remoteDir)

	info, err := os.Stat(localDir)
	if err != nil {
		return nil, &TransportError{Op: "mirror", Err: fmt.Errorf("failed to stat local directory: %w", err)}
	}
	if !info.IsDir() {
		return nil, &TransportError{Op: "mirror", Err: fmt.Errorf("%s is not a directory", localDir)}
	}

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(remoteDir); err != nil {
		return nil, &TransportError{Op: "mirror", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	result := &FileTransferResult{}
	keep := map[string]bool{".": true}

	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		keep[rel] = true
		target := path.Join(remoteDir, rel)

		if d.IsDir() {
			if err := sftpClient.MkdirAll(target); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		n, err := c.writeRemote(ctx, sftpClient, target, f, uint32(fi.Mode().Perm()))
		if err != nil {
			return err
		}
		result.Files++
		result.BytesTransferred += n
		return nil
	})
	if err != nil {
		return nil, wrapTransferError("mirror", err)
	}

	removed, err := removeExtraneous(ctx, sftpClient, remoteDir, keep)
	if err != nil {
		return nil, wrapTransferError("mirror", err)
	}
	result.Removed = removed
	result.Duration = time.Since(start)

	c.logger.Info().
		Str("local", localDir).
		Str("remote", remoteDir).
		Int("files", result.Files).
		Int("removed", result.Removed).
		Int64("bytes", result.BytesTransferred).
		Msg("Directory mirrored")
	return result, nil
}

// removeExtraneous deletes remote entries under root whose relative path
// is not in keep.
func removeExtraneous(ctx context.Context, client *sftp.Client, root string, keep map[string]bool) (int, error) {
	type entry struct {
		path string
		dir  bool
	}
	var extra []entry

	walker := client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return 0, fmt.Errorf("failed to walk remote directory: %w", err)
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		if rel == "" {
			rel = "."
		}
		if keep[rel] {
			continue
		}
		extra = append(extra, entry{path: walker.Path(), dir: walker.Stat().IsDir()})
		if walker.Stat().IsDir() {
			walker.SkipDir()
		}
	}

	removed := 0
	for _, e := range extra {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		var err error
		if e.dir {
			err = client.RemoveAll(e.path)
		} else {
			err = client.Remove(e.path)
		}
		if err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", e.path, err)
		}
		removed++
	}
	return removed, nil
}

// writeRemote streams src into remotePath and applies mode.
func (c *SSHClient) writeRemote(ctx context.Context, client *sftp.Client, remotePath string, src io.Reader, mode uint32) (int64, error) {
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	dst, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer dst.Close()

	n, err := copyWithContext(ctx, dst, src)
	if err != nil {
		return n, wrapTransferError("upload", err)
	}

	if mode == 0 {
		mode = 0o644
	}
	if err := client.Chmod(remotePath, os.FileMode(mode)); err != nil {
		c.logger.Warn().Err(err).Str("remote", remotePath).Msg("Failed to set file permissions")
	}
	return n, nil
}

func wrapTransferError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransportError{Op: op, Err: err, IsTemporary: true}
}

// copyWithContext copies src to dst, checking for cancellation between
// chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
