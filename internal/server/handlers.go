package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loopworks/mendloop/internal/agentloop"
	"github.com/loopworks/mendloop/internal/audit"
	"github.com/loopworks/mendloop/internal/classify"
	"github.com/loopworks/mendloop/internal/correction"
	"github.com/loopworks/mendloop/internal/patchstore"
	"github.com/loopworks/mendloop/internal/queue/streams"
	"github.com/loopworks/mendloop/internal/store"
	"github.com/loopworks/mendloop/internal/telemetry"
)

// TurnsHandler runs agent turns through the correction loop.
type TurnsHandler struct {
	Loop *agentloop.Loop
}

func (h *TurnsHandler) Register(g *echo.Group) {
	g.POST("/turns", h.runTurn)
}

func (h *TurnsHandler) runTurn(c echo.Context) error {
	var req TurnReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Request) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request is required")
	}
	res, err := h.Loop.Turn(c.Request().Context(), correction.TurnRequest{
		Request:      req.Request,
		Action:       req.Action,
		HighPriority: req.HighPriority,
		MonetaryRisk: req.MonetaryRisk,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, TurnResp{
		OutcomeID:      res.Outcome.ID,
		Response:       res.Outcome.Response,
		GaveUp:         res.Outcome.GaveUp,
		Mode:           string(res.Mode),
		Reason:         string(res.Reason),
		PatchesApplied: res.PatchesApplied,
		Patch:          res.Patch,
	})
}

// PatchesHandler exposes operator control over the tiered patch store.
type PatchesHandler struct {
	Patches      *patchstore.Store
	Store        *store.Store
	Classifier   *classify.Classifier
	Emitter      *telemetry.Emitter
	ModelVersion string
}

func (h *PatchesHandler) Register(g *echo.Group) {
	g.GET("/patches", h.list)
	g.POST("/patches", h.create)
	g.DELETE("/patches/:id", h.remove)
	g.POST("/sweep", h.sweep)
	g.POST("/purge", h.purge)
	g.GET("/purges", h.purges)
}

func (h *PatchesHandler) list(c echo.Context) error {
	snap := h.Patches.Snapshot()
	switch correction.Tier(c.QueryParam("tier")) {
	case correction.TierKernel:
		snap.Cache, snap.Archive = nil, nil
	case correction.TierCache:
		snap.Kernel, snap.Archive = nil, nil
	case correction.TierArchive:
		snap.Kernel, snap.Cache = nil, nil
	}
	kernel, cache, archive := h.Patches.Counts()
	return c.JSON(http.StatusOK, PatchListResp{
		Kernel:  snap.Kernel,
		Cache:   snap.Cache,
		Archive: snap.Archive,
		Counts:  map[string]int{"kernel": kernel, "cache": cache, "archive": archive},
	})
}

func (h *PatchesHandler) create(c echo.Context) error {
	var req ManualPatchReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Body) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "body is required")
	}
	decay := correction.DecayClass(req.Decay)
	if req.Decay == "" {
		decay = h.Classifier.Classify(req.Body)
	} else if decay != correction.DecayHigh && decay != correction.DecayZero {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown decay class")
	}
	p := correction.Patch{
		Body:         req.Body,
		Tag:          req.Tag,
		Decay:        decay,
		Tier:         correction.TierCache,
		ModelVersion: h.ModelVersion,
	}
	written, err := h.Patches.Write(c.Request().Context(), p)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	h.Emitter.Emit(c.Request().Context(), streams.EventPatchWritten, map[string]interface{}{
		"patch_id": written.ID, "outcome_id": "manual",
		"decay": string(written.Decay), "tier": string(written.Tier), "tag": written.Tag,
	})
	return c.JSON(http.StatusCreated, written)
}

func (h *PatchesHandler) remove(c echo.Context) error {
	id := c.Param("id")
	if err := h.Store.DeletePatch(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *PatchesHandler) sweep(c echo.Context) error {
	stats, err := h.Patches.Sweep(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	h.Emitter.Emit(c.Request().Context(), streams.EventStoreSwept, map[string]interface{}{
		"promoted": stats.Promoted, "demoted": stats.Demoted,
	})
	return c.JSON(http.StatusOK, stats)
}

func (h *PatchesHandler) purge(c echo.Context) error {
	var req PurgeReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.OldModelVersion) == "" || strings.TrimSpace(req.NewModelVersion) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "old_model_version and new_model_version are required")
	}
	stats, err := h.Patches.Purge(c.Request().Context(), req.OldModelVersion, req.NewModelVersion)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	h.Emitter.Emit(c.Request().Context(), streams.EventStorePurged, map[string]interface{}{
		"purge_id":          stats.PurgeID,
		"old_model_version": req.OldModelVersion,
		"new_model_version": req.NewModelVersion,
		"purged":            stats.Purged,
		"retained":          stats.Retained,
		"reclaimed_length":  stats.ReclaimedLength,
	})
	return c.JSON(http.StatusOK, stats)
}

func (h *PatchesHandler) purges(c echo.Context) error {
	recs, err := h.Store.ListPurges(c.Request().Context(), 20)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, recs)
}

// AuditHandler reports async pipeline health.
type AuditHandler struct {
	Auditor *audit.Auditor
	Store   *store.Store
}

func (h *AuditHandler) Register(g *echo.Group) {
	g.GET("/audit/stats", h.stats)
}

func (h *AuditHandler) stats(c echo.Context) error {
	s := h.Auditor.Stats()
	drops, err := h.Store.AuditDropCount(c.Request().Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		drops = 0
	}
	return c.JSON(http.StatusOK, AuditStatsResp{
		QueueLength:    s.QueueLength,
		QueueCapacity:  s.QueueCapacity,
		Dropped:        s.Dropped,
		Audited:        s.Audited,
		PatchesWritten: s.PatchesWritten,
		DurableDrops:   drops,
	})
}
