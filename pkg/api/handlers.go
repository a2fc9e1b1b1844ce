// Package api exposes the temporal map over HTTP: JSON endpoints for the
// date axis, cursor, filtered datasets and stats, an SSE stream mirroring
// the live view, and share links with QR codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"lampioni/pkg/database"
	"lampioni/pkg/geodata"
	"lampioni/pkg/lampstream"
	"lampioni/pkg/maphash"
	"lampioni/pkg/stats"
	"lampioni/pkg/timecursor"
)

// Handler wires the HTTP surface to the engine and its supporting pieces.
// Engine and the data accessors are funcs because the daily refresh swaps
// collections atomically; a request always sees one consistent generation.
type Handler struct {
	Engine   func() *timecursor.Engine
	Baseline func() *geodata.Collection
	Stats    func() stats.Stats

	Bus     *lampstream.Bus
	DB      *database.Database // optional, enables share links
	Cache   *ResponseCache     // optional
	Limiter *RateLimiter       // optional

	BaseURL     string // public origin for share links, e.g. "https://lampioni.it"
	DefaultView maphash.Viewport
	Logf        func(string, ...any)
}

// Register attaches all routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api", h.handleOverview)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/axis", h.handleAxis)
	mux.HandleFunc("/api/cursor", h.handleCursor)
	mux.HandleFunc("/api/play", h.handlePlay)
	mux.HandleFunc("/api/stop", h.handleStop)
	mux.HandleFunc("/api/lamps/new", h.handleLamps(timecursor.SourceNew))
	mux.HandleFunc("/api/lamps/all", h.handleLamps(timecursor.SourceAll))
	mux.HandleFunc("/api/hash", h.handleHash)
	mux.HandleFunc("/api/shorten", h.handleShorten)
	mux.HandleFunc("/api/qr", h.handleQR)
	mux.HandleFunc("/s/", h.handleShortLink)
	mux.HandleFunc("/stream", h.handleStream)
}

func (h *Handler) logf(format string, args ...any) {
	if h.Logf != nil {
		h.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// engine returns the live engine or nil while datasets are still loading.
func (h *Handler) engine() *timecursor.Engine {
	if h.Engine == nil {
		return nil
	}
	return h.Engine()
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// clampInt pins v into [lo, hi].
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func parseFloatDefault(raw string, def float64) float64 {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

// ==============
// Read endpoints
// ==============

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api" {
		http.NotFound(w, r)
		return
	}
	eng := h.engine()
	if eng == nil {
		respondError(w, http.StatusServiceUnavailable, "datasets loading")
		return
	}
	view, err := eng.View()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"name":      "lampioni",
		"axis_len":  len(eng.Axis()),
		"date":      view.Date,
		"new_count": view.NewCount,
		"total":     view.Total,
		"endpoints": []string{
			"/api/stats", "/api/axis", "/api/cursor", "/api/play", "/api/stop",
			"/api/lamps/new", "/api/lamps/all", "/api/hash", "/api/shorten",
			"/api/qr", "/s/{code}", "/stream",
		},
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.Stats == nil {
		respondError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	payload, err := h.cached(r.Context(), "stats", func(context.Context) ([]byte, error) {
		return json.Marshal(h.Stats())
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "stats encoding failed")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(payload)
}

func (h *Handler) handleAxis(w http.ResponseWriter, r *http.Request) {
	eng := h.engine()
	if eng == nil {
		respondError(w, http.StatusServiceUnavailable, "datasets loading")
		return
	}
	view, err := eng.View()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"axis":   eng.Axis(),
		"cursor": view.Index,
		"date":   view.Date,
	})
}

// handleCursor reads the cursor on GET and moves it on POST. The index
// parameter is clamped here so sliders built from stale axes still land on
// a valid date; the engine itself stays strict.
func (h *Handler) handleCursor(w http.ResponseWriter, r *http.Request) {
	eng := h.engine()
	if eng == nil {
		respondError(w, http.StatusServiceUnavailable, "datasets loading")
		return
	}

	switch r.Method {
	case http.MethodGet:
		view, err := eng.View()
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, "engine unavailable")
			return
		}
		playing, _ := eng.Playing()
		h.writeCursor(w, view, playing)
	case http.MethodPost:
		axis := eng.Axis()
		raw := r.FormValue("index")
		if raw == "" {
			respondError(w, http.StatusBadRequest, "index required")
			return
		}
		idx, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "index must be an integer")
			return
		}
		idx = clampInt(idx, 0, len(axis)-1)
		if err := eng.SetCursor(idx); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		view, err := eng.View()
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, "engine unavailable")
			return
		}
		playing, _ := eng.Playing()
		h.writeCursor(w, view, playing)
	default:
		respondError(w, http.StatusMethodNotAllowed, "GET or POST")
	}
}

func (h *Handler) writeCursor(w http.ResponseWriter, view timecursor.FilteredView, playing bool) {
	respondJSON(w, http.StatusOK, map[string]any{
		"cursor":    view.Index,
		"date":      view.Date,
		"new_count": view.NewCount,
		"total":     view.Total,
		"playing":   playing,
	})
}

func (h *Handler) handlePlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	eng := h.engine()
	if eng == nil {
		respondError(w, http.StatusServiceUnavailable, "datasets loading")
		return
	}
	if err := eng.Play(); err != nil {
		respondError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"playing": true})
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	eng := h.engine()
	if eng == nil {
		respondError(w, http.StatusServiceUnavailable, "datasets loading")
		return
	}
	if err := eng.Stop(); err != nil {
		respondError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"playing": false})
}

// handleLamps serves either date-sensitive dataset as GeoJSON. An optional
// date parameter selects any axis date without moving the shared cursor;
// unknown dates fall back to the live view, matching how garbled hash
// dates are treated everywhere else.
func (h *Handler) handleLamps(source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eng := h.engine()
		if eng == nil {
			respondError(w, http.StatusServiceUnavailable, "datasets loading")
			return
		}
		if source == timecursor.SourceAll && !h.permit(w, r) {
			return
		}

		date := strings.TrimSpace(r.URL.Query().Get("date"))
		key := source + "@" + date
		payload, err := h.cached(r.Context(), key, func(context.Context) ([]byte, error) {
			view, err := h.viewFor(eng, date)
			if err != nil {
				return nil, err
			}
			lamps := view.NewLamps
			if source == timecursor.SourceAll {
				if b := h.baseline(); b != nil {
					merged := make([]geodata.Lamp, 0, b.Len()+len(lamps))
					merged = append(merged, b.Lamps...)
					merged = append(merged, lamps...)
					lamps = merged
				}
			}
			return geodata.FeatureCollectionOf(lamps).MarshalJSON()
		})
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, "engine unavailable")
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Write(payload)
	}
}

func (h *Handler) baseline() *geodata.Collection {
	if h.Baseline == nil {
		return nil
	}
	return h.Baseline()
}

// viewFor resolves a requested date to a filtered view. Known dates are
// computed read-only; everything else mirrors the live cursor.
func (h *Handler) viewFor(eng *timecursor.Engine, date string) (timecursor.FilteredView, error) {
	if date != "" {
		if idx := eng.IndexOf(date); idx >= 0 {
			return eng.ViewAt(idx)
		}
	}
	return eng.View()
}

// cached routes through the response cache when one is configured.
func (h *Handler) cached(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if h.Cache == nil {
		return loader(ctx)
	}
	data, err := h.Cache.Get(ctx, key, loader)
	if errors.Is(err, errCacheDisabled) || errors.Is(err, errCacheStopped) {
		return loader(ctx)
	}
	return data, err
}

// permit enforces the heavy-endpoint cooldown, answering 429 on refusal.
func (h *Handler) permit(w http.ResponseWriter, r *http.Request) bool {
	if h.Limiter.Allow(clientIP(r)) {
		return true
	}
	w.Header().Set("Retry-After", "10")
	respondError(w, http.StatusTooManyRequests, "slow down")
	return false
}

// ===========
// Share links
// ===========

// handleHash encodes the shareable fragment for a viewport plus the
// current cursor date.
func (h *Handler) handleHash(w http.ResponseWriter, r *http.Request) {
	eng := h.engine()
	if eng == nil {
		respondError(w, http.StatusServiceUnavailable, "datasets loading")
		return
	}
	q := r.URL.Query()
	v := maphash.Viewport{
		Zoom: parseFloatDefault(q.Get("zoom"), h.DefaultView.Zoom),
		Lat:  parseFloatDefault(q.Get("lat"), h.DefaultView.Lat),
		Lng:  parseFloatDefault(q.Get("lng"), h.DefaultView.Lng),
	}
	fragment, err := eng.Hash(v)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"fragment": fragment})
}

// handleShorten stores a fragment under a base62 code. Only fragments the
// grammar recognizes are accepted; arbitrary redirect targets are not.
func (h *Handler) handleShorten(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if h.DB == nil {
		respondError(w, http.StatusServiceUnavailable, "share links disabled")
		return
	}
	if !h.permit(w, r) {
		return
	}

	fragment := strings.TrimSpace(r.FormValue("fragment"))
	state := maphash.Decode(fragment)
	if !state.HasViewport {
		respondError(w, http.StatusBadRequest, "fragment must carry a viewport")
		return
	}

	code, err := h.DB.Shorten(r.Context(), fragment, time.Now())
	if err != nil {
		h.logf("api: shorten failed: %v", err)
		respondError(w, http.StatusInternalServerError, "could not create link")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"code": code,
		"url":  strings.TrimRight(h.BaseURL, "/") + "/s/" + code,
	})
}

// handleShortLink expands a code and redirects to the map with the stored
// fragment. A stored date also moves the shared cursor, the same apply
// path a pasted link takes.
func (h *Handler) handleShortLink(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimPrefix(r.URL.Path, "/s/")
	if code == "" || strings.Contains(code, "/") {
		http.NotFound(w, r)
		return
	}
	if h.DB == nil {
		http.NotFound(w, r)
		return
	}

	target, err := h.DB.Resolve(r.Context(), code)
	if err != nil {
		h.logf("api: resolve %q failed: %v", code, err)
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if target == "" {
		http.NotFound(w, r)
		return
	}

	if state := maphash.Decode(target); state.Date != "" {
		if eng := h.engine(); eng != nil {
			if _, err := eng.ApplyHashDate(state.Date); err != nil {
				h.logf("api: apply date from %q: %v", code, err)
			}
		}
	}
	http.Redirect(w, r, "/"+target, http.StatusFound)
}

// handleQR renders a PNG QR code for a share link or raw fragment.
func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	if !h.permit(w, r) {
		return
	}
	q := r.URL.Query()
	base := strings.TrimRight(h.BaseURL, "/")

	var target string
	switch {
	case q.Get("code") != "":
		target = base + "/s/" + q.Get("code")
	case q.Get("fragment") != "":
		state := maphash.Decode(q.Get("fragment"))
		if !state.HasViewport && state.Date == "" {
			respondError(w, http.StatusBadRequest, "unrecognized fragment")
			return
		}
		target = base + "/" + q.Get("fragment")
	default:
		respondError(w, http.StatusBadRequest, "code or fragment required")
		return
	}

	size := clampInt(parseIntDefault(q.Get("size"), 256), 128, 1024)
	png, err := qrcode.Encode(target, qrcode.Medium, size)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "qr encoding failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}
