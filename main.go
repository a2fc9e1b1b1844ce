// Lampioni serves an interactive map of street lamps in Italy: a baseline
// snapshot plus the lamps mapped since, filtered by a time slider whose
// state lives on the server. The binary loads the GeoJSON datasets once,
// keeps them fresh against Overpass, and exposes the filtered views over
// JSON and SSE.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"

	"lampioni/pkg/api"
	"lampioni/pkg/database"
	"lampioni/pkg/geodata"
	"lampioni/pkg/lampstream"
	"lampioni/pkg/logger"
	"lampioni/pkg/maphash"
	"lampioni/pkg/overpass"
	"lampioni/pkg/stats"
	"lampioni/pkg/timecursor"
)

// CompileVersion is stamped by the build; "dev" otherwise.
var CompileVersion = "dev"

var domain = flag.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var dbType = flag.String("db-type", "sqlite", "Database driver: genji, sqlite, duckdb, pgx (postgresql), or none")
var dbPath = flag.String("db-path", "", "Path to the database file (defaults to the current folder, applicable for genji, sqlite drivers)")
var dbHost = flag.String("db-host", "127.0.0.1", "Database host (applicable for pgx driver)")
var dbPort = flag.Int("db-port", 5432, "Database port (applicable for pgx driver)")
var dbUser = flag.String("db-user", "postgres", "Database user (applicable for pgx driver)")
var dbPass = flag.String("db-pass", "", "Database password (applicable for pgx driver)")
var dbName = flag.String("db-name", "lampioni", "Database name (applicable for pgx driver)")
var pgSSLMode = flag.String("pg-ssl-mode", "prefer", "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")
var port = flag.Int("port", 8765, "Port for running the server")
var version = flag.Bool("version", false, "Show the application version")

var dataDir = flag.String("data-dir", "data", "Directory holding the GeoJSON datasets and stats.json")
var baselineDate = flag.String("baseline-date", "2026-02-01", "ISO date separating the baseline snapshot from new lamps")
var playbackInterval = flag.Duration("playback-interval", timecursor.DefaultPlaybackInterval, "Delay between playback steps")
var refreshInterval = flag.Duration("refresh-interval", 24*time.Hour, "How often to poll Overpass for new lamps (0 disables)")
var overpassURL = flag.String("overpass-url", overpass.DefaultEndpoint, "Overpass API endpoint")
var baseURL = flag.String("base-url", "", "Public origin for share links, e.g. https://lampioni.example")
var cacheTTL = flag.Duration("cache-ttl", 30*time.Second, "TTL for cached API responses (0 disables)")
var rateCooldown = flag.Duration("rate-cooldown", 10*time.Second, "Per-IP cooldown on heavy endpoints (0 disables)")

var defaultLat = flag.Float64("default-lat", 42.5, "Default map latitude")
var defaultLon = flag.Float64("default-lon", 12.5, "Default map longitude")
var defaultZoom = flag.Float64("default-zoom", 6, "Default map zoom")

// generation bundles everything derived from one load of the datasets.
// The daily refresh builds a whole new generation and swaps it in, so a
// request in flight keeps working against a consistent set.
type generation struct {
	engine   *timecursor.Engine
	baseline *geodata.Collection
	fresh    *geodata.Collection
	stats    stats.Stats
}

// stateHolder hands out the current generation and accepts swaps. One
// goroutine owns the value; accessors are plain channel round trips.
type stateHolder struct {
	get chan chan generation
	set chan generation
}

func newStateHolder() *stateHolder {
	h := &stateHolder{
		get: make(chan chan generation),
		set: make(chan generation),
	}
	go func() {
		var current generation
		for {
			select {
			case reply := <-h.get:
				reply <- current
			case next := <-h.set:
				current = next
			}
		}
	}()
	return h
}

func (h *stateHolder) current() generation {
	reply := make(chan generation, 1)
	h.get <- reply
	return <-reply
}

func (h *stateHolder) swap(g generation) { h.set <- g }

func main() {
	// .env first so flags parsed afterwards can read defaults from the
	// environment; explicit flags still win.
	_ = godotenv.Load()
	flag.Parse()

	if *version {
		fmt.Printf("lampioni version %s\n", CompileVersion)
		return
	}

	if *domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("⚠  Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}
	if *baseURL == "" {
		if *domain != "" {
			*baseURL = "https://" + *domain
		} else {
			*baseURL = fmt.Sprintf("http://localhost:%d", *port)
		}
	}

	// Database is optional: share links and snapshots need it, the map
	// itself does not.
	var db *database.Database
	if *dbType != "none" {
		cfg := database.Config{
			DBType:    *dbType,
			DBPath:    *dbPath,
			DBHost:    *dbHost,
			DBPort:    *dbPort,
			DBUser:    *dbUser,
			DBPass:    *dbPass,
			DBName:    *dbName,
			PGSSLMode: *pgSSLMode,
			Port:      *port,
		}
		var err error
		db, err = database.NewDatabase(cfg)
		if err != nil {
			log.Fatalf("DB init: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := db.EnsureTables(ctx); err != nil {
			log.Fatalf("DB schema: %v", err)
		}
		cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := lampstream.NewBus(64)
	holder := newStateHolder()

	// Load the datasets. A failed load is not fatal: the server comes up
	// in the empty pre-load state and answers 503 until an operator fixes
	// the files or the next refresh succeeds.
	baseline, fresh, st, err := loadDatasets(*dataDir, *baselineDate)
	if err != nil {
		log.Printf("dataset load failed, serving empty state: %v", err)
	} else {
		gen := buildGeneration(ctx, baseline, fresh, st, bus)
		holder.swap(gen)
		persistSnapshot(ctx, db, gen)

		if *refreshInterval > 0 {
			startUpdater(ctx, holder, bus, db, baseline, fresh)
		}
	}

	handler := &api.Handler{
		Engine:   func() *timecursor.Engine { return holder.current().engine },
		Baseline: func() *geodata.Collection { return holder.current().baseline },
		Stats:    func() stats.Stats { return holder.current().stats },
		Bus:      bus,
		DB:       db,
		Cache:    api.NewResponseCache(*cacheTTL),
		Limiter:  api.NewRateLimiter(*rateCooldown),
		BaseURL:  *baseURL,
		DefaultView: maphash.Viewport{
			Zoom: *defaultZoom,
			Lat:  *defaultLat,
			Lng:  *defaultLon,
		},
		Logf: log.Printf,
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	rootHandler := withServerHeader(mux)

	if *domain != "" {
		go serveWithDomain(*domain, rootHandler)
	} else {
		addr := fmt.Sprintf(":%d", *port)
		go func() {
			log.Printf("HTTP server ➜ http://localhost%s", addr)
			if err := http.ListenAndServe(addr, rootHandler); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	select {}
}

// loadDatasets reads the three input files. The baseline is mandatory; a
// missing new-lamps file means nothing was mapped yet and a missing
// stats.json is recomputed from the collections.
func loadDatasets(dir, anchor string) (*geodata.Collection, *geodata.Collection, stats.Stats, error) {
	const jobID = "startup"
	logger.Begin(jobID)

	baseline, err := geodata.LoadCollection(filepath.Join(dir, "streetlamps-baseline.geojson"), geodata.KindBaseline)
	if err != nil {
		logger.FlushError(jobID, err)
		return nil, nil, stats.Stats{}, err
	}
	logger.Append(jobID, fmt.Sprintf("[%s] baseline: %d lamps", jobID, baseline.Len()))

	fresh, err := geodata.LoadCollection(filepath.Join(dir, "streetlamps-new.geojson"), geodata.KindNew)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.FlushError(jobID, err)
			return nil, nil, stats.Stats{}, err
		}
		fresh = &geodata.Collection{Kind: geodata.KindNew}
		logger.Append(jobID, fmt.Sprintf("[%s] no new-lamps file yet", jobID))
	} else {
		logger.Append(jobID, fmt.Sprintf("[%s] new: %d lamps", jobID, fresh.Len()))
	}

	st, err := stats.Load(filepath.Join(dir, "stats.json"))
	if err != nil {
		st = stats.Recompute(baseline, fresh, anchor, time.Now())
		logger.Append(jobID, fmt.Sprintf("[%s] stats.json missing, recomputed", jobID))
	}

	logger.Success(jobID, fmt.Sprintf("datasets ready: %d baseline + %d new", baseline.Len(), fresh.Len()))
	return baseline, fresh, st, nil
}

// buildGeneration spins up an engine over the collections and publishes
// the initial full view so stream subscribers have a frame waiting.
func buildGeneration(ctx context.Context, baseline, fresh *geodata.Collection, st stats.Stats, bus *lampstream.Bus) generation {
	eng := timecursor.NewEngine(timecursor.Config{
		Baseline:         baseline,
		New:              fresh,
		DailyDates:       st.DailyDates(),
		BaselineDate:     *baselineDate,
		Surface:          &lampstream.Surface{Bus: bus},
		Sink:             &lampstream.Sink{Bus: bus},
		PlaybackInterval: *playbackInterval,
	})
	eng.Start(ctx)
	if _, err := eng.Reset(); err != nil {
		log.Printf("initial publish failed: %v", err)
	}
	return generation{engine: eng, baseline: baseline, fresh: fresh, stats: st}
}

// persistSnapshot mirrors the in-memory state into SQL. Failures are
// logged, never fatal: the database is a convenience copy of files we
// still have.
func persistSnapshot(ctx context.Context, db *database.Database, gen generation) {
	if db == nil {
		return
	}
	if err := db.ReplaceCollection(ctx, gen.baseline); err != nil {
		log.Printf("snapshot baseline: %v", err)
	}
	if err := db.ReplaceCollection(ctx, gen.fresh); err != nil {
		log.Printf("snapshot new lamps: %v", err)
	}
	if err := db.ReplaceDailyAdditions(ctx, gen.stats.DailyAdditions); err != nil {
		log.Printf("snapshot daily additions: %v", err)
	}
}

// startUpdater polls Overpass and swaps in a fresh generation per
// snapshot. The slider position survives the swap: the new engine is
// moved to the old cursor date when that date still exists.
func startUpdater(ctx context.Context, holder *stateHolder, bus *lampstream.Bus, db *database.Database, baseline, fresh *geodata.Collection) {
	baselineIDs := make(map[int64]struct{}, baseline.Len())
	for _, lamp := range baseline.Lamps {
		baselineIDs[lamp.OSMID] = struct{}{}
	}

	updater := &overpass.Updater{
		Client:       &overpass.Client{Endpoint: *overpassURL},
		BaselineDate: *baselineDate,
		BaselineIDs:  baselineIDs,
		Interval:     *refreshInterval,
		Logf:         log.Printf,
	}
	snapshots := updater.Start(ctx, fresh)

	go func() {
		for snap := range snapshots {
			prev := holder.current()

			prevDate := ""
			if prev.engine != nil {
				if view, err := prev.engine.View(); err == nil {
					prevDate = view.Date
				}
			}

			st := stats.Recompute(prev.baseline, snap.New, *baselineDate, snap.FetchedAt)
			gen := buildGeneration(ctx, prev.baseline, snap.New, st, bus)
			if prevDate != "" {
				if _, err := gen.engine.ApplyHashDate(prevDate); err != nil {
					log.Printf("restore cursor date: %v", err)
				}
			}

			holder.swap(gen)
			persistSnapshot(ctx, db, gen)
			if prev.engine != nil {
				prev.engine.Close()
			}
		}
	}()
}
