package controller

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/tvlscope/tvlscope/pkg/db/protocols"
	"github.com/tvlscope/tvlscope/pkg/tvl"
	"github.com/tvlscope/tvlscope/pkg/utils"
	"go.uber.org/zap"
)

// HandleProtocolsList returns every registered protocol sorted by id.
func (c *Controller) HandleProtocolsList(w http.ResponseWriter, r *http.Request) {
	list, err := c.App.Protocols.ListProtocols(r.Context())
	if err != nil {
		c.App.Logger.Error("Failed to list protocols", zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "failed to list protocols")
		return
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	if list == nil {
		list = []tvl.Protocol{}
	}
	c.writeJSON(w, http.StatusOK, list)
}

func (c *Controller) HandleProtocolDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := c.App.Protocols.GetProtocol(r.Context(), id)
	if errors.Is(err, protocols.ErrNotFound) {
		c.writeError(w, http.StatusNotFound, "protocol not found")
		return
	}
	if err != nil {
		c.App.Logger.Error("Failed to load protocol", zap.String("protocol", id), zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "failed to load protocol")
		return
	}
	c.writeJSON(w, http.StatusOK, p)
}

// HandleProtocolUpsert creates or replaces a protocol definition.
func (c *Controller) HandleProtocolUpsert(w http.ResponseWriter, r *http.Request) {
	var in tvl.Protocol
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		c.writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	p, err := normalizeProtocol(in)
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := c.App.Protocols.UpsertProtocol(r.Context(), p); err != nil {
		c.App.Logger.Error("Failed to upsert protocol", zap.String("protocol", p.ID), zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "failed to save protocol")
		return
	}

	c.App.Logger.Info("Protocol saved",
		zap.String("protocol", p.ID),
		zap.Strings("chains", p.Chains),
		zap.String("by", c.currentUser(r)))
	c.writeJSON(w, http.StatusOK, p)
}

// normalizeProtocol validates a definition. The chain order is kept since
// the first chain is the primary one.
func normalizeProtocol(p tvl.Protocol) (tvl.Protocol, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	if p.ID == "" {
		return p, errors.New("id is required")
	}
	if strings.ContainsAny(p.ID, " /") {
		return p, errors.New("id must not contain spaces or slashes")
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	p.Chains = utils.Dedup(p.Chains)
	if len(p.Chains) == 0 {
		return p, errors.New("at least one chain is required")
	}

	if p.TokensExcludedFromParent != nil {
		cleaned := make(map[string][]string, len(p.TokensExcludedFromParent))
		for chain, symbols := range p.TokensExcludedFromParent {
			chain = strings.TrimSpace(chain)
			if chain == "" {
				return p, errors.New("tokensExcludedFromParent has an empty chain")
			}
			cleaned[chain] = utils.Dedup(symbols)
		}
		p.TokensExcludedFromParent = cleaned
	}

	return p, nil
}

func (c *Controller) HandleMetadataGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	md, err := c.App.Protocols.Metadata(r.Context(), id)
	if errors.Is(err, tvl.ErrMetadataNotFound) {
		c.writeError(w, http.StatusNotFound, "metadata not found")
		return
	}
	if err != nil {
		c.App.Logger.Error("Failed to load metadata", zap.String("protocol", id), zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "failed to load metadata")
		return
	}
	c.writeJSON(w, http.StatusOK, md)
}

// HandleMetadataPut stores the categorization flags of an existing protocol.
func (c *Controller) HandleMetadataPut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var md tvl.Metadata
	if err := json.NewDecoder(r.Body).Decode(&md); err != nil {
		c.writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	// The existence check and the write commit together.
	err := c.App.Protocols.BeginFunc(ctx, func(ctx context.Context) error {
		if _, err := c.App.Protocols.GetProtocol(ctx, id); err != nil {
			return err
		}
		return c.App.Protocols.UpsertMetadata(ctx, id, md)
	})
	if errors.Is(err, protocols.ErrNotFound) {
		c.writeError(w, http.StatusNotFound, "protocol not found")
		return
	}
	if err != nil {
		c.App.Logger.Error("Failed to save metadata", zap.String("protocol", id), zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "failed to save metadata")
		return
	}

	if c.App.MetadataCache != nil {
		if err := c.App.MetadataCache.Invalidate(ctx, id); err != nil {
			c.App.Logger.Warn("Failed to evict cached metadata", zap.String("protocol", id), zap.Error(err))
		}
	}

	c.App.Logger.Info("Metadata saved",
		zap.String("protocol", id),
		zap.Bool("isDoublecounted", md.IsDoublecounted),
		zap.Bool("isLiquidStaking", md.IsLiquidStaking),
		zap.String("by", c.currentUser(r)))
	c.writeJSON(w, http.StatusOK, md)
}
