package controller

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/tvlscope/tvlscope/pkg/db/models/snapshot"
	"github.com/tvlscope/tvlscope/pkg/db/protocols"
	"github.com/tvlscope/tvlscope/pkg/db/snapshots"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"go.uber.org/zap"
)

// maxSnapshotBody bounds one ingestion request.
const maxSnapshotBody = 8 << 20

// SnapshotRequest is one hourly reading of one protocol.
//
// Tvl maps raw chain keys to USD, with the protocol total under "tvl".
// TokensUsd is optional and holds the token breakdown per chain key.
type SnapshotRequest struct {
	ProtocolID string                       `json:"protocolId"`
	Hour       time.Time                    `json:"hour"`
	Tvl        map[string]float64           `json:"tvl"`
	TokensUsd  map[string]tvl.TokenBalances `json:"tokensUsd,omitempty"`
}

type snapshotRows struct {
	tvl    []*snapshot.HourlyTvl
	tokens []*snapshot.HourlyTokensUsd
}

// toRows validates req and turns it into store rows, chain keys sorted.
func (req SnapshotRequest) toRows(now time.Time) (snapshotRows, error) {
	var out snapshotRows
	if req.ProtocolID == "" {
		return out, errors.New("protocolId is required")
	}
	if req.Hour.IsZero() {
		return out, errors.New("hour is required")
	}
	if req.Hour.After(now.Add(time.Hour)) {
		return out, errors.New("hour is in the future")
	}
	if _, ok := req.Tvl["tvl"]; !ok {
		return out, errors.New(`tvl must include the "tvl" total`)
	}

	hour := req.Hour.UTC().Truncate(time.Hour)

	for _, chain := range sortedKeys(req.Tvl) {
		v := req.Tvl[chain]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return out, fmt.Errorf("tvl %q is not a finite number", chain)
		}
		out.tvl = append(out.tvl, &snapshot.HourlyTvl{
			ProtocolID:   req.ProtocolID,
			SnapshotHour: hour,
			Chain:        chain,
			Tvl:          v,
		})
	}

	for _, chain := range sortedKeys(req.TokensUsd) {
		if req.TokensUsd[chain] == nil {
			return out, fmt.Errorf("tokensUsd %q must be an object", chain)
		}
		row, err := snapshots.TokensRow(req.ProtocolID, chain, hour, req.TokensUsd[chain])
		if err != nil {
			return out, fmt.Errorf("tokensUsd %q: %w", chain, err)
		}
		out.tokens = append(out.tokens, row)
	}

	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HandleSnapshotIngest stores one hourly reading for a registered protocol.
func (c *Controller) HandleSnapshotIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SnapshotRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSnapshotBody)).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	rows, err := req.toRows(time.Now())
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := c.App.Protocols.GetProtocol(ctx, req.ProtocolID); err != nil {
		if errors.Is(err, protocols.ErrNotFound) {
			c.writeError(w, http.StatusNotFound, "protocol not found")
			return
		}
		c.App.Logger.Error("Failed to load protocol", zap.String("protocol", req.ProtocolID), zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "failed to load protocol")
		return
	}

	if err := c.App.Snapshots.InsertHourlyTvl(ctx, rows.tvl); err != nil {
		c.App.Logger.Error("Failed to insert tvl snapshot", zap.String("protocol", req.ProtocolID), zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "failed to store snapshot")
		return
	}
	if len(rows.tokens) > 0 {
		if err := c.App.Snapshots.InsertHourlyTokensUsd(ctx, rows.tokens); err != nil {
			c.App.Logger.Error("Failed to insert token snapshot", zap.String("protocol", req.ProtocolID), zap.Error(err))
			c.writeError(w, http.StatusInternalServerError, "failed to store token snapshot")
			return
		}
	}

	c.App.Logger.Debug("Snapshot stored",
		zap.String("protocol", req.ProtocolID),
		zap.Time("hour", rows.tvl[0].SnapshotHour),
		zap.Int("chains", len(rows.tvl)),
		zap.Int("tokenSections", len(rows.tokens)))

	c.writeJSON(w, http.StatusCreated, map[string]int{"tvlRows": len(rows.tvl), "tokenRows": len(rows.tokens)})
}
