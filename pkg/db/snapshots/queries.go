package snapshots

import (
	"fmt"

	"github.com/tvlscope/tvlscope/pkg/db/clickhouse"
	snapshotmodels "github.com/tvlscope/tvlscope/pkg/db/models/snapshot"
)

// createTableQuery builds the DDL shared by both snapshot tables.
// ORDER BY (protocol_id, snapshot_hour, chain) makes every read a prefix scan of one protocol.
func createTableQuery(c *clickhouse.Client, database, table string, columns []snapshotmodels.ColumnDef) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" %s (
			%s
		) ENGINE = %s
		ORDER BY (protocol_id, snapshot_hour, chain)
	`,
		database,
		table,
		c.OnCluster(),
		snapshotmodels.ColumnsToSchemaSQL(columns),
		c.Engine(clickhouse.ReplacingMergeTree, snapshotmodels.UpdatedAtColumnName),
	)
}

// latestQuery selects every chain row of the newest hour recorded for a protocol.
// Args: protocol_id, protocol_id.
func latestQuery(database, table, columns string) string {
	return fmt.Sprintf(`
		SELECT %[3]s
		FROM "%[1]s"."%[2]s" FINAL
		WHERE protocol_id = ? AND snapshot_hour IN (
			SELECT snapshot_hour
			FROM "%[1]s"."%[2]s"
			WHERE protocol_id = ?
			ORDER BY snapshot_hour DESC
			LIMIT 1
		)
	`, database, table, columns)
}

// closestQuery selects every chain row of the hour nearest to a target within
// [from, to]. Equidistant hours resolve to the later one.
// Args: protocol_id, protocol_id, from, to, target.
func closestQuery(database, table, columns string) string {
	return fmt.Sprintf(`
		SELECT %[3]s
		FROM "%[1]s"."%[2]s" FINAL
		WHERE protocol_id = ? AND snapshot_hour IN (
			SELECT snapshot_hour
			FROM "%[1]s"."%[2]s"
			WHERE protocol_id = ? AND snapshot_hour BETWEEN ? AND ?
			ORDER BY abs(dateDiff('second', snapshot_hour, toDateTime(?))) ASC, snapshot_hour DESC
			LIMIT 1
		)
	`, database, table, columns)
}
