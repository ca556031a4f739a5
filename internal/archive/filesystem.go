package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dbredin/switchboard/internal/crypto"
)

// FilesystemArchive stores exchanges as files on disk.
// Each job gets one file: {dir}/{jobID}.json, or {dir}/{jobID}.json.sealed
// when a sealer is configured.
type FilesystemArchive struct {
	dir    string
	sealer *crypto.Sealer
}

// NewFilesystemArchive creates a new filesystem-based archive.
func NewFilesystemArchive(dir string, sealer *crypto.Sealer) (*FilesystemArchive, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &FilesystemArchive{dir: dir, sealer: sealer}, nil
}

func (a *FilesystemArchive) Put(ctx context.Context, ex *Exchange) error {
	data, err := marshalExchange(ex, a.sealer)
	if err != nil {
		return err
	}

	path := filepath.Join(a.dir, ex.JobID+".json")
	if a.sealer != nil {
		path += ".sealed"
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write exchange: %w", err)
	}
	return nil
}

// Get tries the sealed file first, then the plain one, so an archive
// written before a secret was configured stays readable.
func (a *FilesystemArchive) Get(ctx context.Context, jobID string) (*Exchange, error) {
	base := filepath.Join(a.dir, jobID+".json")

	if data, err := os.ReadFile(base + ".sealed"); err == nil {
		return unmarshalExchange(data, true, a.sealer)
	}

	data, err := os.ReadFile(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read exchange: %w", err)
	}
	return unmarshalExchange(data, false, a.sealer)
}

func (a *FilesystemArchive) Close() error {
	return nil
}
