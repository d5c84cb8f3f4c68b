package snapshot

import "time"

const (
	HourlyTvlTableName       = "hourly_tvl"
	HourlyTokensUsdTableName = "hourly_usd_tokens"
	UpdatedAtColumnName      = "updated_at"
)

// HourlyTvlColumns defines the schema for hourly per-chain TVL readings.
// One row per (protocol, hour, chain key); the protocol total is stored under chain "tvl".
//
// Compression strategy:
// - DoubleDelta,ZSTD(1) for timestamps (monotonic)
// - Gorilla,ZSTD(1) for float readings (slowly changing)
var HourlyTvlColumns = []ColumnDef{
	{Name: "protocol_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "snapshot_hour", Type: "DateTime", Codec: "DoubleDelta, ZSTD(1)"}, // Truncated to hour
	{Name: "chain", Type: "LowCardinality(String)"},
	{Name: "tvl", Type: "Float64", Codec: "Gorilla, ZSTD(1)"},
	{Name: UpdatedAtColumnName, Type: "DateTime64(6)", Codec: "DoubleDelta, ZSTD(1)"},
}

// HourlyTokensUsdColumns defines the schema for hourly per-chain token USD balances.
// tokens holds a JSON object of symbol to USD value.
var HourlyTokensUsdColumns = []ColumnDef{
	{Name: "protocol_id", Type: "String", Codec: "ZSTD(1)"},
	{Name: "snapshot_hour", Type: "DateTime", Codec: "DoubleDelta, ZSTD(1)"},
	{Name: "chain", Type: "LowCardinality(String)"},
	{Name: "tokens", Type: "String", Codec: "ZSTD(3)"},
	{Name: UpdatedAtColumnName, Type: "DateTime64(6)", Codec: "DoubleDelta, ZSTD(1)"},
}

// HourlyTvl is one chain reading of one protocol at one hour boundary.
//
// Query patterns:
//   - Latest: rows at the newest snapshot_hour for a protocol
//   - Closest: rows at the snapshot_hour nearest to a target inside a tolerance window
type HourlyTvl struct {
	ProtocolID   string    `ch:"protocol_id" json:"protocol_id"`
	SnapshotHour time.Time `ch:"snapshot_hour" json:"snapshot_hour"`
	Chain        string    `ch:"chain" json:"chain"`
	Tvl          float64   `ch:"tvl" json:"tvl"`
	UpdatedAt    time.Time `ch:"updated_at" json:"updated_at"`
}

// HourlyTokensUsd is the token USD breakdown of one chain reading.
type HourlyTokensUsd struct {
	ProtocolID   string    `ch:"protocol_id" json:"protocol_id"`
	SnapshotHour time.Time `ch:"snapshot_hour" json:"snapshot_hour"`
	Chain        string    `ch:"chain" json:"chain"`
	Tokens       string    `ch:"tokens" json:"tokens"`
	UpdatedAt    time.Time `ch:"updated_at" json:"updated_at"`
}
