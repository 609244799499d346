package backup

import (
	"context"
	"testing"

	"github.com/spf13/afero"

	"github.com/controlplane-com/dbmaint/pkg/agent/statestore"
	"github.com/controlplane-com/dbmaint/pkg/shared/fs"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
)

func TestCatalog_List(t *testing.T) {
	ctx := context.Background()
	files := fs.New(afero.NewMemMapFs(), "/backups")
	if err := files.MkdirAll(); err != nil {
		t.Fatal(err)
	}
	c := NewCatalog(statestore.New(nil, statestore.NewMemoryDurable()), files, "/backups")

	for _, name := range []string{"old.sql.gz", "new.sql.gz", "partial.sql.gz", "notes.txt"} {
		if err := files.WriteFile("/backups/"+name, []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	for _, meta := range []types.ArtifactMeta{
		{Filename: "old.sql.gz", CreatedAt: 100},
		{Filename: "new.sql.gz", CreatedAt: 200},
		{Filename: "notes.txt", CreatedAt: 300},
	} {
		if err := c.Register(ctx, meta); err != nil {
			t.Fatal(err)
		}
	}

	got, err := c.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Filename != "new.sql.gz" || got[1].Filename != "old.sql.gz" {
		t.Fatalf("List() = %+v", got)
	}

	if _, found, _ := c.Get(ctx, "partial.sql.gz"); found {
		t.Error("partial file has metadata")
	}
	if _, err := c.Path("../etc/passwd"); err == nil {
		t.Error("Path() accepted a traversal")
	}
}
