package stats

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/controlplane-com/dbmaint/pkg/agent/dbconn"
)

var columns = []string{"TABLE_NAME", "ENGINE", "TABLE_ROWS", "DATA_LENGTH", "INDEX_LENGTH", "DATA_FREE", "AVG_ROW_LENGTH"}

func TestReporter_Report(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("FROM information_schema.TABLES").WithArgs("wp").WillReturnRows(
		sqlmock.NewRows(columns).
			AddRow("wp_posts", "InnoDB", 1200, 3<<20, 1<<20, 0, 2600).
			AddRow("_s0a1b2c_wp_posts", "InnoDB", 1200, 3<<20, 1<<20, 0, 2600).
			AddRow("dbmaint_state", "InnoDB", 4, 16384, 16384, 0, 4096).
			AddRow("wp_options", "InnoDB", 300, 512<<10, 0, 4096, 1700))

	resp, err := NewReporter(dbconn.New(db), "wp", "dbmaint_").Report(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Tables) != 2 || resp.Tables[0].Name != "wp_posts" || resp.Tables[1].Name != "wp_options" {
		t.Fatalf("tables = %+v", resp.Tables)
	}
	if resp.Tables[0].TotalHuman != "4.0 MiB" {
		t.Errorf("wp_posts total = %s", resp.Tables[0].TotalHuman)
	}
	if want := int64(4<<20 + 512<<10); resp.TotalBytes != want {
		t.Errorf("total = %d, want %d", resp.TotalBytes, want)
	}
	if resp.TotalHuman != "4.5 MiB" {
		t.Errorf("total human = %s", resp.TotalHuman)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReporter_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	mock.ExpectQuery("FROM information_schema.TABLES").WillReturnError(errors.New("access denied"))

	if _, err := NewReporter(dbconn.New(db), "wp", "dbmaint_").Report(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
