package controller

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"go.uber.org/zap"
)

const (
	statusHeader = "X-Tvl-Status"
	cacheHeader  = "X-Tvl-Cache"
)

type protocolsResponse struct {
	Data       []tvl.Protocol `json:"data"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// HandleProtocols lists registered protocols, paged by id.
func (c *Controller) HandleProtocols(w http.ResponseWriter, r *http.Request) {
	spec, err := parsePageSpec(r)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	protocols, err := c.App.Registry.ListProtocols(r.Context())
	if err != nil {
		c.App.Logger.Error("Failed to list protocols", zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "failed to list protocols")
		return
	}

	page, next := spec.page(protocols)
	if page == nil {
		page = []tvl.Protocol{}
	}
	c.writeJSON(w, http.StatusOK, protocolsResponse{Data: page, NextCursor: next})
}

// HandleProtocolTvl returns the TVL summary of one protocol.
func (c *Controller) HandleProtocolTvl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	useNew := true
	if v := r.URL.Query().Get("newChainNames"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.writeError(w, http.StatusBadRequest, errInvalidBool.Error())
			return
		}
		useNew = b
	}

	protocol, ok := c.App.LoadProtocol(ctx, id)
	if !ok {
		c.writeError(w, http.StatusNotFound, "protocol not found")
		return
	}

	if c.App.Results != nil {
		res, found, err := c.App.Results.Get(ctx, id, useNew)
		if err != nil {
			c.App.Logger.Warn("Failed to read cached result", zap.String("protocol", id), zap.Error(err))
		}
		if found {
			w.Header().Set(statusHeader, res.Status.String())
			w.Header().Set(cacheHeader, "hit")
			c.writeJSON(w, http.StatusOK, res)
			return
		}
	}

	res := c.App.Aggregator.Compute(ctx, protocol, useNew)
	if res.Status == tvl.StatusPartial {
		c.App.Logger.Warn("Partial protocol result",
			zap.String("protocol", id),
			zap.Bool("newChainNames", useNew),
			zap.Error(res.Err))
	}

	if c.App.Results != nil && res.Status == tvl.StatusComplete {
		if err := c.App.Results.Put(ctx, id, useNew, res); err != nil {
			c.App.Logger.Warn("Failed to cache result", zap.String("protocol", id), zap.Error(err))
		}
	}

	w.Header().Set(statusHeader, res.Status.String())
	w.Header().Set(cacheHeader, "miss")
	c.writeJSON(w, http.StatusOK, res)
}
