package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AdityaPandey8/shiksha-setu-bridge-sub001/offline"

	"github.com/labstack/echo/v4"
)

type Dependencies struct {
	StorageMetricsHandler http.Handler
	AppMetrics            offline.AppMetrics

	Usage            func(context.Context) (offline.StorageSnapshot, error)
	Flush            func(context.Context) (offline.FlushReport, error)
	SyncNow          func(context.Context) (offline.FlushReport, error)
	Refresh          func(context.Context, offline.CollectionTag, map[string]string) error
	Submit           func(context.Context, offline.Mutation) (bool, error)
	PendingMutations func(context.Context) ([]offline.Mutation, error)
	Records          func(context.Context, offline.CollectionTag) []offline.Record
	Download         func(context.Context, offline.DownloadRequest) (*offline.BlobAsset, error)
	CheckStale       func(context.Context, string) (offline.StaleInfo, error)
	RemoveAsset      func(context.Context, string) error
	EvictOlderThan   func(context.Context, int) ([]string, error)
	EvictAll         func(context.Context) error
	IsOnline         func() bool
	SetOnline        func(bool)

	Logger *slog.Logger
}

type submitMutationRequest struct {
	Kind     string          `json:"kind"`
	TargetID string          `json:"target_id"`
	Payload  json.RawMessage `json:"payload"`
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

type refreshRequest struct {
	Tags    []string          `json:"tags"`
	Filters map[string]string `json:"filters"`
}

type downloadRequestIn struct {
	ID      string            `json:"id"`
	Kind    string            `json:"kind"`
	URL     string            `json:"url"`
	Meta    offline.AssetMeta `json:"meta"`
	Version int64             `json:"version"`
}

type evictOlderThanRequest struct {
	Days *int `json:"days"`
}

func Register(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.AppMetrics
	if metrics == nil {
		metrics = offline.NoopAppMetrics{}
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
	if deps.StorageMetricsHandler != nil {
		e.GET("/metrics/storage", echo.WrapHandler(deps.StorageMetricsHandler))
	}
	e.GET("/metrics/app", func(c echo.Context) error {
		return c.JSON(http.StatusOK, metrics.Snapshot())
	})

	e.GET("/usage", func(c echo.Context) error {
		if deps.Usage == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		}
		snap, err := deps.Usage(c.Request().Context())
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, snap)
	})

	e.GET("/connectivity", func(c echo.Context) error {
		if deps.IsOnline == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]any{"online": deps.IsOnline()})
	})
	e.POST("/connectivity", func(c echo.Context) error {
		if deps.SetOnline == nil || deps.IsOnline == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		}
		var req connectivityRequest
		if err := c.Bind(&req); err != nil || req.Online == nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "online is required"})
		}
		deps.SetOnline(*req.Online)
		return c.JSON(http.StatusOK, map[string]any{"online": deps.IsOnline()})
	})

	e.POST("/sync/flush", func(c echo.Context) error {
		start := time.Now()
		if deps.Flush == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		}
		report, err := deps.Flush(c.Request().Context())
		metrics.RecordFlush(time.Since(start).Milliseconds(), report.Applied, report.Retained, len(report.Failed), err)
		if err != nil {
			logger.ErrorContext(c.Request().Context(), "flush failed", "error", err)
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, report)
	})

	e.POST("/sync/refresh", func(c echo.Context) error {
		if deps.Refresh == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		}
		var req refreshRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}

		tags := make([]offline.CollectionTag, 0, len(req.Tags))
		for _, raw := range req.Tags {
			tag := offline.CollectionTag(strings.TrimSpace(raw))
			if !tag.Valid() {
				return c.JSON(http.StatusBadRequest, map[string]any{"error": "unknown collection tag: " + raw})
			}
			tags = append(tags, tag)
		}
		if len(tags) == 0 {
			tags = offline.AllCollectionTags
		}

		refreshed := make([]string, 0, len(tags))
		for _, tag := range tags {
			start := time.Now()
			err := deps.Refresh(c.Request().Context(), tag, req.Filters)
			metrics.RecordRefresh(string(tag), time.Since(start).Milliseconds(), 0, err)
			if err != nil {
				logger.WarnContext(c.Request().Context(), "refresh failed", "tag", string(tag), "error", err)
				return WriteError(c, err)
			}
			refreshed = append(refreshed, string(tag))
		}
		return c.JSON(http.StatusOK, map[string]any{"refreshed": refreshed})
	})

	e.GET("/mutations", func(c echo.Context) error {
		if deps.PendingMutations == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		}
		pending, err := deps.PendingMutations(c.Request().Context())
		if err != nil {
			return WriteError(c, err)
		}
		if pending == nil {
			pending = []offline.Mutation{}
		}
		return c.JSON(http.StatusOK, map[string]any{"pending": pending})
	})

	e.POST("/mutations", func(c echo.Context) error {
		if deps.Submit == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		}
		var req submitMutationRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		kind := offline.MutationKind(strings.TrimSpace(req.Kind))
		if !kind.Valid() {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "unknown mutation kind: " + req.Kind})
		}

		applied, err := deps.Submit(c.Request().Context(), offline.Mutation{
			Kind:     kind,
			TargetID: strings.TrimSpace(req.TargetID),
			Payload:  req.Payload,
		})
		if err != nil {
			if errors.Is(err, offline.ErrSyncRejected) {
				return c.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
			}
			return WriteError(c, err)
		}
		status := "queued"
		if applied {
			status = "applied"
		}
		return c.JSON(http.StatusAccepted, map[string]any{"status": status})
	})

	e.GET("/records/:tag", func(c echo.Context) error {
		if deps.Records == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		}
		tag := offline.CollectionTag(c.Param("tag"))
		if !tag.Valid() {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "unknown collection tag: " + c.Param("tag")})
		}
		return c.JSON(http.StatusOK, map[string]any{"records": deps.Records(c.Request().Context(), tag)})
	})

	e.POST("/downloads", func(c echo.Context) error {
		start := time.Now()
		if deps.Download == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		}
		var req downloadRequestIn
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		req.ID = strings.TrimSpace(req.ID)
		if req.ID == "" || strings.TrimSpace(req.URL) == "" {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "id and url are required"})
		}
		kind := offline.AssetKind(strings.TrimSpace(req.Kind))
		if !kind.Valid() {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "unknown asset kind: " + req.Kind})
		}

		asset, err := deps.Download(c.Request().Context(), offline.DownloadRequest{
			ID:      req.ID,
			Kind:    kind,
			URL:     req.URL,
			Meta:    req.Meta,
			Version: req.Version,
		})
		if err != nil {
			metrics.RecordDownload(req.ID, time.Since(start).Milliseconds(), 0, err)
			logger.ErrorContext(c.Request().Context(), "download failed", "asset_id", req.ID, "error", err)
			return WriteError(c, err)
		}
		metrics.RecordDownload(req.ID, time.Since(start).Milliseconds(), asset.SizeBytes, nil)
		logger.InfoContext(c.Request().Context(), "download complete",
			"asset_id", asset.ID,
			"kind", string(asset.Kind),
			"bytes", asset.SizeBytes,
		)
		return c.JSON(http.StatusOK, asset)
	})

	e.GET("/assets/:id/stale", func(c echo.Context) error {
		if deps.CheckStale == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		}
		info, err := deps.CheckStale(c.Request().Context(), c.Param("id"))
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, info)
	})

	e.DELETE("/assets/:id", func(c echo.Context) error {
		if deps.RemoveAsset == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		}
		if err := deps.RemoveAsset(c.Request().Context(), c.Param("id")); err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})

	e.POST("/evict/older-than", func(c echo.Context) error {
		if deps.EvictOlderThan == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		}
		var req evictOlderThanRequest
		if err := c.Bind(&req); err != nil || req.Days == nil || *req.Days < 0 {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "days must be a non-negative integer"})
		}
		removed, err := deps.EvictOlderThan(c.Request().Context(), *req.Days)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"removed": removed})
	})

	e.POST("/evict/all", func(c echo.Context) error {
		if deps.EvictAll == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		}
		if err := deps.EvictAll(c.Request().Context()); err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})
}

// WriteError maps engine errors to HTTP statuses.
func WriteError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, offline.ErrQuotaExceeded):
		return c.JSON(http.StatusInsufficientStorage, map[string]any{"error": err.Error()})
	case errors.Is(err, offline.ErrNetworkUnavailable):
		c.Response().Header().Set("Retry-After", "5")
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
	case errors.Is(err, offline.ErrSyncRejected), errors.Is(err, offline.ErrVersionRegression):
		return c.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, offline.ErrAssetNotFound), errors.Is(err, offline.ErrRecordNotFound):
		return c.JSON(http.StatusNotFound, map[string]any{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}
