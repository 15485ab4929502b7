package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"pointmap/pkg/coverage"
	"pointmap/pkg/fetcher"
	"pointmap/pkg/offline"
	"pointmap/pkg/overpass"
	"pointmap/pkg/poi"
	"pointmap/pkg/sharelink"
	"pointmap/pkg/status"
)

// =======================
// Public API entry points
// =======================

// Handler wires the fetch coordinator, caches and offline store together
// so HTTP routes stay small and focused on translating query parameters
// into the asynchronous building blocks behind the scenes.
type Handler struct {
	Coordinator *fetcher.Coordinator
	Cache       *coverage.Cache
	Store       *offline.Store
	Events      *status.Bus
	BaseURL     string
	Filters     overpass.Filters
	Offline     bool
	Logf        func(string, ...any)

	// lastFilterKey notices when the caller switches display profiles;
	// coverage recorded under the old filters is then invalid wholesale.
	lastFilterKey atomic.Value
}

// NewHandler constructs a Handler with sane defaults.
// Logf is optional; pass nil if logging is not required.
func NewHandler(coord *fetcher.Coordinator, cache *coverage.Cache, store *offline.Store, events *status.Bus, baseURL string, filters overpass.Filters, offlineMode bool, logf func(string, ...any)) *Handler {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	h := &Handler{
		Coordinator: coord,
		Cache:       cache,
		Store:       store,
		Events:      events,
		BaseURL:     baseURL,
		Filters:     filters,
		Offline:     offlineMode,
		Logf:        logf,
	}
	h.lastFilterKey.Store(filters.Key())
	return h
}

// Register attaches API routes to the provided mux. Kept tiny and
// declarative: URLs map to helpers, nothing clever.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/points", h.handlePoints)
	mux.HandleFunc("/api/points/", h.handlePointByID)
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/offline/download", h.handleOfflineDownload)
	mux.HandleFunc("/api/share", h.handleShare)
	mux.HandleFunc("/api/share/qr.png", h.handleShareQR)
	mux.HandleFunc("/s/", h.handleShortCode)
	mux.HandleFunc("/healthz", h.handleHealth)
}

// handlePoints serves the viewport query. Online it runs the full
// coordinator; offline it bypasses all of that and reads the device store.
func (h *Handler) handlePoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	region, err := regionFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	filters := h.Filters
	if raw := strings.TrimSpace(r.URL.Query().Get("filters")); raw != "" {
		filters = overpass.Filters(strings.Split(raw, "|"))
	}
	// A filter switch invalidates every prior coverage decision, not just
	// some of them: clear and start over.
	if key := filters.Key(); h.lastFilterKey.Swap(key) != key {
		h.Cache.Clear()
		h.Logf("display filters changed, coverage cache cleared")
	}

	var points []poi.Point
	if h.Offline {
		points, err = h.Store.PointsIn(ctx, region)
		if err != nil {
			h.Logf("offline viewport query failed: %v", err)
			http.Error(w, "offline store error", http.StatusInternalServerError)
			return
		}
	} else {
		points = h.Coordinator.PointsFor(ctx, region, filters)
		if h.Store != nil && len(points) > 0 {
			// Mirror fresh data into the offline store off the request
			// path, so a later network-less launch still has it.
			saved := points
			go func() {
				saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := h.Store.SavePoints(saveCtx, saved); err != nil {
					h.Logf("offline mirror failed: %v", err)
				}
			}()
		}
	}

	h.respondJSON(w, struct {
		Points []poi.Point `json:"points"`
		Count  int         `json:"count"`
	}{Points: points, Count: len(points)})
}

// handlePointByID serves GET (one point) and DELETE (confirmed deletion).
func (h *Handler) handlePointByID(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/points/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "bad point id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		point, ok := h.Cache.GetByID(id)
		if !ok {
			http.Error(w, "unknown point", http.StatusNotFound)
			return
		}
		h.respondJSON(w, point)
	case http.MethodDelete:
		h.Cache.RemoveByID(id)
		if h.Store != nil {
			if err := h.Store.DeletePoint(r.Context(), id); err != nil {
				h.Logf("offline delete failed: %v", err)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleEvents streams fetch progress as server-sent events so the map UI
// can show "splitting" / "rate limited" hints while branches are in flight.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	events := h.Events.Subscribe(r.Context(), 16)
	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

// handleOfflineDownload fetches an area and persists it in one batch so
// the map keeps working without connectivity. Distinct from the passive
// mirroring in handlePoints: this is an explicit "take this area with me"
// action, so it blocks until the store confirms the write.
func (h *Handler) handleOfflineDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Store == nil || h.Offline {
		http.Error(w, "downloads need the online store", http.StatusConflict)
		return
	}
	region, err := regionFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	points := h.Coordinator.PointsFor(r.Context(), region, h.Filters)
	if err := h.Store.BulkImport(r.Context(), points); err != nil {
		h.Logf("offline download failed: %v", err)
		http.Error(w, "offline store error", http.StatusInternalServerError)
		return
	}
	h.respondJSON(w, struct {
		Saved int `json:"saved"`
	}{Saved: len(points)})
}

// handleShare mints (or reuses) a short code for the current viewport.
func (h *Handler) handleShare(w http.ResponseWriter, r *http.Request) {
	lat, lon, zoom, err := positionFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	target := sharelink.BuildTarget(h.BaseURL, lat, lon, zoom)

	code := ""
	if h.Store != nil {
		code, err = h.Store.PersistShareLink(r.Context(), target, time.Now())
		if err != nil {
			h.Logf("share link persist failed: %v", err)
			http.Error(w, "share link error", http.StatusInternalServerError)
			return
		}
	}

	resp := struct {
		Target string `json:"target"`
		Code   string `json:"code,omitempty"`
		Short  string `json:"short,omitempty"`
	}{Target: target, Code: code}
	if code != "" {
		resp.Short = strings.TrimRight(h.BaseURL, "/") + "/s/" + code
	}
	h.respondJSON(w, resp)
}

// handleShareQR renders the share URL as a QR PNG.
func (h *Handler) handleShareQR(w http.ResponseWriter, r *http.Request) {
	lat, lon, zoom, err := positionFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	size := 512
	if raw := r.URL.Query().Get("size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 2048 {
			size = n
		}
	}
	w.Header().Set("Content-Type", "image/png")
	target := sharelink.BuildTarget(h.BaseURL, lat, lon, zoom)
	if err := sharelink.EncodePNG(w, target, size); err != nil {
		h.Logf("qr render failed: %v", err)
	}
}

// handleShortCode redirects /s/<code> to the stored viewport URL.
func (h *Handler) handleShortCode(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimPrefix(r.URL.Path, "/s/")
	if code == "" || h.Store == nil {
		http.NotFound(w, r)
		return
	}
	target, err := h.Store.LookupShareTarget(r.Context(), code)
	if err != nil {
		h.Logf("share lookup failed: %v", err)
		http.Error(w, "share lookup error", http.StatusInternalServerError)
		return
	}
	if target == "" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	regions, points := h.Cache.Stats()
	var stored int64
	if h.Store != nil {
		n, err := h.Store.Count(r.Context())
		if err != nil {
			h.Logf("offline count failed: %v", err)
		}
		stored = n
	}
	h.respondJSON(w, struct {
		Status  string `json:"status"`
		Regions int    `json:"cachedRegions"`
		Points  int    `json:"cachedPoints"`
		Stored  int64  `json:"storedPoints"`
		Offline bool   `json:"offline"`
	}{Status: "ok", Regions: regions, Points: points, Stored: stored, Offline: h.Offline})
}

func (h *Handler) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.Logf("respond json: %v", err)
	}
}

// regionFromQuery reads the viewport bounds from the query string.
func regionFromQuery(r *http.Request) (poi.Region, error) {
	q := r.URL.Query()
	parse := func(name string) (float64, error) {
		v, err := strconv.ParseFloat(q.Get(name), 64)
		if err != nil {
			return 0, fmt.Errorf("bad or missing %q parameter", name)
		}
		return v, nil
	}
	var (
		region poi.Region
		err    error
	)
	if region.South, err = parse("south"); err != nil {
		return poi.Region{}, err
	}
	if region.West, err = parse("west"); err != nil {
		return poi.Region{}, err
	}
	if region.North, err = parse("north"); err != nil {
		return poi.Region{}, err
	}
	if region.East, err = parse("east"); err != nil {
		return poi.Region{}, err
	}
	if !region.Valid() {
		return poi.Region{}, fmt.Errorf("degenerate viewport")
	}
	return region, nil
}

func positionFromQuery(r *http.Request) (lat, lon float64, zoom int, err error) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	zoom, zoomErr := strconv.Atoi(q.Get("zoom"))
	if latErr != nil || lonErr != nil || zoomErr != nil {
		return 0, 0, 0, fmt.Errorf("lat, lon and zoom parameters are required")
	}
	return lat, lon, zoom, nil
}
