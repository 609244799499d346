// Package stats reports per-table sizes of the target database.
package stats

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/controlplane-com/dbmaint/pkg/agent/dbconn"
	"github.com/controlplane-com/dbmaint/pkg/shared/types"
	"github.com/controlplane-com/dbmaint/pkg/sqlscan"
)

const tablesQuery = "SELECT TABLE_NAME, COALESCE(ENGINE, ''), COALESCE(TABLE_ROWS, 0), " +
	"COALESCE(DATA_LENGTH, 0), COALESCE(INDEX_LENGTH, 0), COALESCE(DATA_FREE, 0), COALESCE(AVG_ROW_LENGTH, 0) " +
	"FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE' " +
	"ORDER BY DATA_LENGTH + INDEX_LENGTH DESC, TABLE_NAME"

type Reporter struct {
	conn     *dbconn.Conn
	database string
	prefix   string
}

// NewReporter reports on database. Tables owned by the engine (prefix and
// shadow tables) are left out.
func NewReporter(conn *dbconn.Conn, database, prefix string) *Reporter {
	return &Reporter{conn: conn, database: database, prefix: prefix}
}

func (r *Reporter) Report(ctx context.Context) (*types.StatsResponse, error) {
	rows, err := r.conn.Query(ctx, tablesQuery, r.database)
	if err != nil {
		return nil, fmt.Errorf("failed to read table statistics: %w", err)
	}
	defer rows.Close()

	resp := &types.StatsResponse{Database: r.database, Tables: []types.TableStat{}}
	for rows.Next() {
		var st types.TableStat
		if err := rows.Scan(&st.Name, &st.Engine, &st.Rows, &st.DataBytes, &st.IndexBytes, &st.FreeBytes, &st.AvgRowBytes); err != nil {
			return nil, fmt.Errorf("failed to scan table statistics: %w", err)
		}
		if sqlscan.IsEngineTable(st.Name, r.prefix) {
			continue
		}
		total := st.DataBytes + st.IndexBytes
		st.TotalHuman = humanize.IBytes(uint64(total))
		resp.TotalBytes += total
		resp.Tables = append(resp.Tables, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	resp.TotalHuman = humanize.IBytes(uint64(resp.TotalBytes))
	return resp, nil
}
