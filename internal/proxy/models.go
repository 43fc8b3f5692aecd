package proxy

import (
	"log/slog"
	"sort"

	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/pkg/apierr"
)

type (
	modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	modelList struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}
)

// handleModels serves GET /v1/models: the distinct canonical model ids of
// the catalog. A model deployed by several providers appears once; owned_by
// names the first provider in catalog order.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	if g.catalog == nil {
		writeJSON(ctx, modelList{Object: "list", Data: []modelEntry{}})
		return
	}

	rows, err := g.catalog.ListModels(ctx)
	if err != nil {
		g.log.ErrorContext(ctx, "model_list_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to list models", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	created := g.now().Unix()
	seen := make(map[string]bool, len(rows))
	entries := make([]modelEntry, 0, len(rows))
	for _, row := range rows {
		if !row.Active || seen[row.CanonicalID] {
			continue
		}
		seen[row.CanonicalID] = true
		entries = append(entries, modelEntry{
			ID:      row.CanonicalID,
			Object:  "model",
			Created: created,
			OwnedBy: row.ProviderSlug,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	writeJSON(ctx, modelList{Object: "list", Data: entries})
}
