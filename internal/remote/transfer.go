package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	scp "github.com/bramvdbogaerde/go-scp"
	"github.com/pkg/sftp"
)

// Entry describes one remote directory entry.
type Entry struct {
	Name string
	Size int64
	Dir  bool
}

// Transfer copies files and directories in both directions. The sftp
// subsystem is the primary protocol; when the host does not offer it,
// single-file copies fall back to the scp wire protocol and listings
// fall back to a remote ls invocation.
type Transfer struct {
	sess *Session
	sftp *sftp.Client // nil when the subsystem is unavailable
	home string
	log  Logger
}

// NewTransfer opens the transfer layer on an established session.
func NewTransfer(ctx context.Context, s *Session, log Logger) (*Transfer, error) {
	if log == nil {
		log = NopLogger()
	}
	t := &Transfer{sess: s, log: log}

	client, err := sftp.NewClient(s.Client())
	if err != nil {
		log.Warnf("sftp subsystem unavailable (%v), using fallback transfers", err)
	} else {
		t.sftp = client
		if wd, err := client.Getwd(); err == nil {
			t.home = wd
		}
	}

	if t.home == "" {
		res, err := s.Run(ctx, "pwd")
		if err != nil || res.ExitCode != 0 {
			if t.sftp != nil {
				t.sftp.Close()
			}
			return nil, fmt.Errorf("failed to determine remote home directory: %w", err)
		}
		t.home = strings.TrimSpace(res.Stdout)
	}
	return t, nil
}

// Close releases the sftp subsystem channel, if any. The owning session
// is not closed.
func (t *Transfer) Close() error {
	if t.sftp != nil {
		return t.sftp.Close()
	}
	return nil
}

// Resolve normalizes path against the remote home directory.
func (t *Transfer) Resolve(path string) string {
	return NormalizeRemotePath(t.home, path)
}

// List returns the entries under path sorted case-insensitively by
// name. A file target is reported as a single entry. Without the sftp
// subsystem a ProtocolUnavailable error is returned; callers then use
// ListRaw.
func (t *Transfer) List(ctx context.Context, path string) ([]Entry, error) {
	p := t.Resolve(path)
	if t.sftp == nil {
		return nil, &TransferError{Kind: ProtocolUnavailable, Path: p}
	}

	fi, err := t.sftp.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &TransferError{Kind: PathNotFound, Path: p, Err: err}
		}
		return nil, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if !fi.IsDir() {
		return []Entry{{Name: fi.Name(), Size: fi.Size()}}, nil
	}

	infos, err := t.sftp.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", p, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, Entry{Name: info.Name(), Size: info.Size(), Dir: info.IsDir()})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].Name), strings.ToLower(entries[j].Name)
		if a == b {
			return entries[i].Name < entries[j].Name
		}
		return a < b
	})
	return entries, nil
}

// ListRaw lists path with a remote command and passes the raw output
// through. It is the fallback when the sftp subsystem is unavailable.
func (t *Transfer) ListRaw(ctx context.Context, path string) (string, error) {
	res, err := t.sess.Run(ctx, "ls -la "+shellQuote(t.Resolve(path)))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &TransferError{
			Kind: PathNotFound,
			Path: path,
			Err:  fmt.Errorf("ls exited with status %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)),
		}
	}
	return res.Stdout, nil
}

// EnsureDir creates a remote directory tree. Safe to call when the
// directory already exists.
func (t *Transfer) EnsureDir(ctx context.Context, path string) error {
	p := t.Resolve(path)
	if t.sftp != nil {
		if err := t.sftp.MkdirAll(p); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", p, err)
		}
		return nil
	}
	res, err := t.sess.Run(ctx, "mkdir -p "+shellQuote(p))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to create remote directory %s: %s", p, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Download copies each remote path into localDir. Directories are
// mirrored when recursive is set, otherwise their files are copied and
// subdirectories are skipped with a warning. A missing path is reported
// and does not abort the remaining batch.
func (t *Transfer) Download(ctx context.Context, remotePaths []string, localDir string, recursive bool) error {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", localDir, err)
	}

	var failed []string
	for _, rp := range remotePaths {
		if err := t.downloadOne(ctx, rp, localDir, recursive); err != nil {
			t.log.Errorf("Download failed for %s: %v", rp, err)
			failed = append(failed, rp)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to download %d of %d paths: %s",
			len(failed), len(remotePaths), strings.Join(failed, ", "))
	}
	return nil
}

func (t *Transfer) downloadOne(ctx context.Context, remotePath, localDir string, recursive bool) error {
	p := t.Resolve(remotePath)

	if t.sftp == nil {
		if !t.remoteTest(ctx, "-e", p) {
			return &TransferError{Kind: PathNotFound, Path: p}
		}
		if t.remoteTest(ctx, "-d", p) {
			return &TransferError{
				Kind: ProtocolUnavailable,
				Path: p,
				Err:  fmt.Errorf("directory download requires the sftp subsystem"),
			}
		}
		return t.scpDownload(ctx, p, filepath.Join(localDir, baseName(p)))
	}

	fi, err := t.sftp.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return &TransferError{Kind: PathNotFound, Path: p, Err: err}
		}
		return fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if fi.IsDir() {
		return t.downloadDir(ctx, p, filepath.Join(localDir, fi.Name()), recursive)
	}
	return t.downloadFile(p, filepath.Join(localDir, fi.Name()))
}

func (t *Transfer) downloadDir(ctx context.Context, remoteDir, localDir string, recursive bool) error {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", localDir, err)
	}
	infos, err := t.sftp.ReadDir(remoteDir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", remoteDir, err)
	}
	for _, info := range infos {
		rp := remoteDir + "/" + info.Name()
		lp := filepath.Join(localDir, info.Name())
		if info.IsDir() {
			if !recursive {
				t.log.Warnf("Skipping directory %s (recursive not set)", rp)
				continue
			}
			if err := t.downloadDir(ctx, rp, lp, recursive); err != nil {
				return err
			}
			continue
		}
		if err := t.downloadFile(rp, lp); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transfer) downloadFile(remotePath, localPath string) error {
	src, err := t.sftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", remotePath, err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to download %s: %w", remotePath, err)
	}
	return dst.Close()
}

// Upload copies each local path under remoteDest, creating remote
// directories on demand. Directory handling and partial-failure
// semantics mirror Download.
func (t *Transfer) Upload(ctx context.Context, localPaths []string, remoteDest string, recursive bool) error {
	dest := t.Resolve(remoteDest)
	if err := t.EnsureDir(ctx, dest); err != nil {
		return err
	}

	var failed []string
	for _, lp := range localPaths {
		if err := t.uploadOne(ctx, lp, dest, recursive); err != nil {
			t.log.Errorf("Upload failed for %s: %v", lp, err)
			failed = append(failed, lp)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to upload %d of %d paths: %s",
			len(failed), len(localPaths), strings.Join(failed, ", "))
	}
	return nil
}

func (t *Transfer) uploadOne(ctx context.Context, localPath, remoteDir string, recursive bool) error {
	fi, err := os.Stat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &TransferError{Kind: PathNotFound, Path: localPath, Err: err}
		}
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	if fi.IsDir() {
		if t.sftp == nil {
			return &TransferError{
				Kind: ProtocolUnavailable,
				Path: localPath,
				Err:  fmt.Errorf("directory upload requires the sftp subsystem"),
			}
		}
		return t.uploadDir(ctx, localPath, remoteDir+"/"+fi.Name(), recursive)
	}
	return t.uploadFile(ctx, localPath, remoteDir+"/"+fi.Name())
}

func (t *Transfer) uploadDir(ctx context.Context, localDir, remoteDir string, recursive bool) error {
	if err := t.sftp.MkdirAll(remoteDir); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", remoteDir, err)
	}
	infos, err := os.ReadDir(localDir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", localDir, err)
	}
	for _, info := range infos {
		lp := filepath.Join(localDir, info.Name())
		rp := remoteDir + "/" + info.Name()
		if info.IsDir() {
			if !recursive {
				t.log.Warnf("Skipping directory %s (recursive not set)", lp)
				continue
			}
			if err := t.uploadDir(ctx, lp, rp, recursive); err != nil {
				return err
			}
			continue
		}
		if err := t.uploadFile(ctx, lp, rp); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transfer) uploadFile(ctx context.Context, localPath, remotePath string) error {
	if t.sftp == nil {
		return t.scpUpload(ctx, localPath, remotePath)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := t.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to upload %s: %w", localPath, err)
	}
	return dst.Close()
}

// scpUpload copies one file over the scp wire protocol. Each copy uses
// a fresh scp session on the existing transport.
func (t *Transfer) scpUpload(ctx context.Context, localPath, remotePath string) error {
	client, err := scp.NewClientBySSH(t.sess.Client())
	if err != nil {
		return &TransferError{Kind: ProtocolUnavailable, Path: localPath, Err: err}
	}
	defer client.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	perms := fmt.Sprintf("%04o", fi.Mode().Perm())
	if err := client.CopyFile(ctx, src, remotePath, perms); err != nil {
		return &TransferError{Kind: ProtocolUnavailable, Path: localPath, Err: err}
	}
	return nil
}

func (t *Transfer) scpDownload(ctx context.Context, remotePath, localPath string) error {
	client, err := scp.NewClientBySSH(t.sess.Client())
	if err != nil {
		return &TransferError{Kind: ProtocolUnavailable, Path: remotePath, Err: err}
	}
	defer client.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer dst.Close()

	if err := client.CopyFromRemote(ctx, dst, remotePath); err != nil {
		return &TransferError{Kind: ProtocolUnavailable, Path: remotePath, Err: err}
	}
	return nil
}

func (t *Transfer) remoteTest(ctx context.Context, flag, path string) bool {
	res, err := t.sess.Run(ctx, fmt.Sprintf("test %s %s", flag, shellQuote(path)))
	return err == nil && res.ExitCode == 0
}

func baseName(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
