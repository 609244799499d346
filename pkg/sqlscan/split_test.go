package sqlscan

import (
	"errors"
	"strings"
	"testing"
)

func TestSplitCreateTable(t *testing.T) {
	stmt := "CREATE TABLE `_s_t` (\n" +
		"  `id` bigint unsigned NOT NULL AUTO_INCREMENT,\n" +
		"  `name` varchar(191) NOT NULL DEFAULT '',\n" +
		"  `body` longtext,\n" +
		"  PRIMARY KEY (`id`),\n" +
		"  UNIQUE KEY `name_u` (`name`),\n" +
		"  KEY `name_idx` (`name`(10)),\n" +
		"  FULLTEXT KEY `body_ft` (`body`)\n" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"

	got, err := SplitCreateTable(stmt)
	if err != nil {
		t.Fatalf("SplitCreateTable() error = %v", err)
	}

	wantSQL := "CREATE TABLE `_s_t` (\n" +
		"  `id` bigint unsigned NOT NULL AUTO_INCREMENT,\n" +
		"  `name` varchar(191) NOT NULL DEFAULT '',\n" +
		"  `body` longtext,\n" +
		"  PRIMARY KEY (`id`),\n" +
		"  UNIQUE KEY `name_u` (`name`)\n" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
	if got.SQL != wantSQL {
		t.Errorf("SQL =\n%s\nwant\n%s", got.SQL, wantSQL)
	}

	wantDeferred := []string{"KEY `name_idx` (`name`(10))", "FULLTEXT KEY `body_ft` (`body`)"}
	if strings.Join(got.Deferred, "|") != strings.Join(wantDeferred, "|") {
		t.Errorf("Deferred = %q, want %q", got.Deferred, wantDeferred)
	}

	alters := IndexAlters("_s_t", got.Deferred)
	wantAlters := []string{
		"ALTER TABLE `_s_t` ADD KEY `name_idx` (`name`(10))",
		"ALTER TABLE `_s_t` ADD FULLTEXT KEY `body_ft` (`body`)",
	}
	if strings.Join(alters, "|") != strings.Join(wantAlters, "|") {
		t.Errorf("IndexAlters() = %q, want %q", alters, wantAlters)
	}
}

func TestIndexAlters(t *testing.T) {
	tests := []struct {
		name string
		defs []string
		want []string
	}{
		{
			name: "plain indexes share one statement",
			defs: []string{"KEY `a` (`a`)", "INDEX `b` (`b`)"},
			want: []string{"ALTER TABLE `t` ADD KEY `a` (`a`), ADD INDEX `b` (`b`)"},
		},
		{
			name: "one statement per fulltext index",
			defs: []string{"FULLTEXT KEY `title_ft` (`title`)", "KEY `a` (`a`)", "fulltext index `body_ft` (`body`)"},
			want: []string{
				"ALTER TABLE `t` ADD KEY `a` (`a`)",
				"ALTER TABLE `t` ADD FULLTEXT KEY `title_ft` (`title`)",
				"ALTER TABLE `t` ADD fulltext index `body_ft` (`body`)",
			},
		},
		{
			name: "only fulltext",
			defs: []string{"FULLTEXT KEY `f` (`f`)"},
			want: []string{"ALTER TABLE `t` ADD FULLTEXT KEY `f` (`f`)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IndexAlters("t", tt.defs); strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("IndexAlters() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitCreateTable_KeepsIndexes(t *testing.T) {
	tests := []struct {
		name string
		stmt string
	}{
		{
			name: "auto increment column needs its key",
			stmt: "CREATE TABLE t (\n `id` int NOT NULL AUTO_INCREMENT,\n KEY `id_k` (`id`)\n)",
		},
		{
			name: "foreign keys keep all indexes",
			stmt: "CREATE TABLE t (\n `p` int,\n KEY `p_k` (`p`),\n CONSTRAINT `fk` FOREIGN KEY (`p`) REFERENCES `parent` (`id`)\n)",
		},
		{
			name: "no column list",
			stmt: "CREATE TABLE t LIKE u",
		},
		{
			name: "no secondary indexes",
			stmt: "CREATE TABLE t (`id` int, PRIMARY KEY (`id`))",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitCreateTable(tt.stmt)
			if err != nil {
				t.Fatalf("SplitCreateTable() error = %v", err)
			}
			if got.SQL != tt.stmt || len(got.Deferred) != 0 {
				t.Errorf("SplitCreateTable() = %+v, want statement unchanged", got)
			}
		})
	}
}

func TestSplitCreateTable_Unbalanced(t *testing.T) {
	if _, err := SplitCreateTable("CREATE TABLE t (`id` int"); err == nil {
		t.Error("expected error for unbalanced parentheses")
	}
}

func TestParseInsert(t *testing.T) {
	ins, err := ParseInsert("INSERT INTO `t` VALUES (1,'a,b'),(2,'(x)'),(3,NULL)")
	if err != nil {
		t.Fatalf("ParseInsert() error = %v", err)
	}
	if ins.Prefix != "INSERT INTO `t` VALUES" {
		t.Errorf("Prefix = %q", ins.Prefix)
	}
	if strings.Join(ins.Tuples, "|") != "(1,'a,b')|(2,'(x)')|(3,NULL)" {
		t.Errorf("Tuples = %q", ins.Tuples)
	}
	if got := ins.AvgTupleLen(); got != 8 {
		t.Errorf("AvgTupleLen() = %d, want 8", got)
	}

	batches := ins.Batches(2)
	want := []string{"INSERT INTO `t` VALUES (1,'a,b'),(2,'(x)')", "INSERT INTO `t` VALUES (3,NULL)"}
	if strings.Join(batches, "|") != strings.Join(want, "|") {
		t.Errorf("Batches(2) = %q, want %q", batches, want)
	}
}

func TestSplitInsert(t *testing.T) {
	tests := []struct {
		name string
		stmt string
		rows int
		want []string
	}{
		{
			name: "suffix repeated per batch",
			stmt: "INSERT INTO t VALUES (1),(2) ON DUPLICATE KEY UPDATE v=VALUES(v)",
			rows: 1,
			want: []string{
				"INSERT INTO t VALUES (1) ON DUPLICATE KEY UPDATE v=VALUES(v)",
				"INSERT INTO t VALUES (2) ON DUPLICATE KEY UPDATE v=VALUES(v)",
			},
		},
		{
			name: "column list",
			stmt: "INSERT INTO t (a,b) VALUES (1,2),(3,4)",
			rows: 5,
			want: []string{"INSERT INTO t (a,b) VALUES (1,2),(3,4)"},
		},
		{
			name: "escaped quote and paren in string",
			stmt: "INSERT INTO t VALUES ('it\\'s (',1),(')',2)",
			rows: 1,
			want: []string{"INSERT INTO t VALUES ('it\\'s (',1)", "INSERT INTO t VALUES (')',2)"},
		},
		{
			name: "zero rows means one per batch",
			stmt: "INSERT INTO t VALUES (1),(2)",
			rows: 0,
			want: []string{"INSERT INTO t VALUES (1)", "INSERT INTO t VALUES (2)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitInsert(tt.stmt, tt.rows)
			if err != nil {
				t.Fatalf("SplitInsert() error = %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("SplitInsert() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseInsert_NoValues(t *testing.T) {
	if _, err := ParseInsert("INSERT INTO t SELECT * FROM u"); !errors.Is(err, ErrNoValues) {
		t.Errorf("error = %v, want ErrNoValues", err)
	}
	if _, err := ParseInsert("INSERT INTO t VALUES (1,'x"); err == nil {
		t.Error("expected error for unterminated value list")
	}
}
