package offsite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/goccy/go-json"

	"github.com/controlplane-com/dbmaint/pkg/shared/fs"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

const metaSuffix = ".meta.json"

var (
	ErrUnknownArtifact = errors.New("artifact has no recorded metadata")
	ErrArtifactExists  = errors.New("artifact already present locally")
)

// Catalog is the local artifact registry
type Catalog interface {
	Path(file string) (string, error)
	Get(ctx context.Context, file string) (*types.ArtifactMeta, bool, error)
	Register(ctx context.Context, meta types.ArtifactMeta) error
}

// Transfer copies artifacts with their metadata sidecar
type Transfer struct {
	bucket  Bucket
	prefix  string
	catalog Catalog
	files   *fs.Sandbox
}

func NewTransfer(bucket Bucket, prefix string, catalog Catalog, files *fs.Sandbox) *Transfer {
	return &Transfer{bucket: bucket, prefix: prefix, catalog: catalog, files: files}
}

func (t *Transfer) key(file string) string {
	return path.Join(t.prefix, file)
}

// Upload copies a finished artifact and then its metadata. The sidecar goes
// last so a fetch never sees metadata for a partial object.
func (t *Transfer) Upload(ctx context.Context, file string) (*types.ArtifactTransferResponse, error) {
	meta, found, err := t.catalog.Get(ctx, file)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownArtifact, file)
	}
	p, err := t.catalog.Path(file)
	if err != nil {
		return nil, err
	}
	f, err := t.files.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	key := t.key(file)
	if err := t.bucket.Upload(ctx, key, f); err != nil {
		return nil, err
	}
	sidecar, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := t.bucket.Upload(ctx, key+metaSuffix, bytes.NewReader(sidecar)); err != nil {
		return nil, err
	}
	slog.Info("artifact uploaded", "file", file, "key", key, "size", meta.Size)
	return &types.ArtifactTransferResponse{File: file, Key: key, Size: meta.Size}, nil
}

// Fetch downloads an artifact, checks it against its sidecar and registers
// it so it can be restored
func (t *Transfer) Fetch(ctx context.Context, key string) (*types.ArtifactTransferResponse, error) {
	file := path.Base(key)
	if file == "." || file == "/" {
		return nil, fmt.Errorf("invalid object key %q", key)
	}
	if _, found, err := t.catalog.Get(ctx, file); err != nil {
		return nil, err
	} else if found {
		return nil, fmt.Errorf("%w: %s", ErrArtifactExists, file)
	}

	meta, err := t.readMeta(ctx, key)
	if err != nil {
		return nil, err
	}
	if meta.Filename != file {
		return nil, fmt.Errorf("metadata names %q, object is %q", meta.Filename, file)
	}

	dst, err := t.catalog.Path(file)
	if err != nil {
		return nil, err
	}
	part := dst + ".part"
	if err := t.download(ctx, key, part, meta); err != nil {
		if rerr := t.files.Remove(part); rerr != nil {
			slog.Warn("failed to remove partial download", "path", part, "error", rerr)
		}
		return nil, err
	}
	if err := t.files.Rename(part, dst); err != nil {
		return nil, fmt.Errorf("failed to move artifact into place: %w", err)
	}
	if err := t.catalog.Register(ctx, *meta); err != nil {
		return nil, err
	}
	slog.Info("artifact fetched", "file", file, "key", key, "size", meta.Size)
	return &types.ArtifactTransferResponse{File: file, Key: key, Size: meta.Size}, nil
}

func (t *Transfer) readMeta(ctx context.Context, key string) (*types.ArtifactMeta, error) {
	r, err := t.bucket.Download(ctx, key+metaSuffix)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var meta types.ArtifactMeta
	if err := json.NewDecoder(r).Decode(&meta); err != nil {
		return nil, fmt.Errorf("invalid metadata sidecar: %w", err)
	}
	return &meta, nil
}

func (t *Transfer) download(ctx context.Context, key, dst string, meta *types.ArtifactMeta) error {
	r, err := t.bucket.Download(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := t.files.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download of %s failed: %w", key, err)
	}
	if n != meta.Size {
		return fmt.Errorf("downloaded %d bytes, metadata records %d", n, meta.Size)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != meta.SHA256 {
		return fmt.Errorf("checksum mismatch: got %s, want %s", sum, meta.SHA256)
	}
	return nil
}
