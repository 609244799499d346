package backup

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/controlplane-com/dbmaint/pkg/agent/statestore"
	"github.com/controlplane-com/dbmaint/pkg/shared/fs"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

// Catalog is the set of restorable artifacts: files in the backup directory
// with recorded metadata
type Catalog struct {
	store *statestore.Store
	files *fs.Sandbox
	dir   string
}

func NewCatalog(store *statestore.Store, files *fs.Sandbox, dir string) *Catalog {
	return &Catalog{store: store, files: files, dir: dir}
}

// Path resolves an artifact name inside the backup directory
func (c *Catalog) Path(file string) (string, error) {
	return c.files.Join(c.dir, file)
}

func (c *Catalog) Get(ctx context.Context, file string) (*types.ArtifactMeta, bool, error) {
	var meta types.ArtifactMeta
	found, err := c.store.Get(ctx, ArtifactKey(file), &meta)
	if err != nil || !found {
		return nil, found, err
	}
	return &meta, true, nil
}

// Register records metadata for a file placed in the backup directory by
// other means, such as an offsite fetch
func (c *Catalog) Register(ctx context.Context, meta types.ArtifactMeta) error {
	if err := c.store.Set(ctx, ArtifactKey(meta.Filename), meta, 0); err != nil {
		return fmt.Errorf("failed to record artifact metadata: %w", err)
	}
	return nil
}

// List returns artifacts newest first. Files without metadata are partial or
// foreign and are not listed.
func (c *Catalog) List(ctx context.Context) ([]types.ArtifactMeta, error) {
	entries, err := c.files.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup directory: %w", err)
	}
	out := []types.ArtifactMeta{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql.gz") {
			continue
		}
		meta, found, err := c.Get(ctx, e.Name())
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, *meta)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].Filename < out[j].Filename
	})
	return out, nil
}
