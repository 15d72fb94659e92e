// Package backupstore manages the repair-backup area C6 writes to before
// any mutating repair (spec.md §4.6's repair contract: a repair only runs
// after a snapshot of the session row and a tarball of the workspace
// directory have been recorded).
//
// Grounded on the teacher's idgen.EncodeBase36 for short, stable directory
// suffixes; tarball creation uses archive/tar + compress/gzip from the
// standard library since no archiver in the retrieved pack covers this
// narrow a concern (see DESIGN.md).
package backupstore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/loomhq/loom/internal/idgen"
	"github.com/loomhq/loom/internal/loomerr"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/types"
)

// Store writes backups under root/.loom/backups/<timestamp>-<kind>-<suffix>/.
type Store struct {
	Root string
}

func New(root string) *Store { return &Store{Root: root} }

// Record snapshots session (as JSON) and, if workspacePath exists, a
// tar.gz of its contents, returning the backup directory's path. Callers
// persist this path in the repair_backups table within the same
// transaction as the repair.
func (s *Store) Record(ctx context.Context, now int64, kind string, session *types.Session, workspacePath string) (dir string, dbSnapshot string, tarball string, err error) {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", session.Name, now)))
	suffix := idgen.EncodeBase36(sum[:4], 6)
	dir = filepath.Join(s.Root, ".loom", "backups", fmt.Sprintf("%d-%s-%s", now, kind, suffix))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", "", loomerr.Wrap("create backup dir", loomerr.ErrIoError, err)
	}

	dbSnapshot = filepath.Join(dir, "session.json")
	body, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return "", "", "", fmt.Errorf("marshal session snapshot: %w", err)
	}
	if err := os.WriteFile(dbSnapshot, body, 0o640); err != nil {
		return "", "", "", loomerr.Wrap("write session snapshot", loomerr.ErrIoError, err)
	}

	if _, statErr := os.Stat(workspacePath); statErr == nil {
		tarball = filepath.Join(dir, "workspace.tar.gz")
		if err := tarGz(workspacePath, tarball); err != nil {
			return "", "", "", loomerr.Wrap("tar workspace", loomerr.ErrIoError, err)
		}
	}

	return dir, dbSnapshot, tarball, nil
}

func tarGz(srcDir, destFile string) error {
	f, err := os.Create(destFile)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	gz := gzip.NewWriter(f)
	defer func() { _ = gz.Close() }()

	tw := tar.NewWriter(gz)
	defer func() { _ = tw.Close() }()

	return filepath.Walk(srcDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		_, err = io.Copy(tw, in)
		return err
	})
}

// RecordRow persists a repair_backups row inside tx, linking a backup
// directory to the session it was taken for.
func RecordRow(ctx context.Context, tx *store.ImmediateTx, now int64, session, kind, dbSnapshot, tarball string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO repair_backups (session_name, kind, db_snapshot_path, workspace_tarball, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, session, kind, dbSnapshot, tarball, now)
	if err != nil {
		return loomerr.Wrap("record backup row", loomerr.ErrDatabaseError, err)
	}
	return nil
}
