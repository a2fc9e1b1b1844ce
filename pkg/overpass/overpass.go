// Package overpass refreshes the new-lamps collection from the Overpass
// API, the same query the data pipeline runs daily: every street-lamp node
// in Italy created after the baseline date, with author metadata.
package overpass

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"lampioni/pkg/geodata"
)

// DefaultEndpoint is the public Overpass instance the pipeline uses.
const DefaultEndpoint = "https://overpass-api.de/api/interpreter"

// lampTags lists the OSM tags worth preserving on a street lamp. Anything
// else is noise for the popups and gets dropped at decode time.
var lampTags = []string{
	"lamp_mount", "lamp_type", "support", "ref", "operator",
	"height", "direction", "colour", "light:colour", "light:count",
	"manufacturer", "model", "start_date",
}

// italyBBox bounds the query: south,west,north,east.
const italyBBox = "35.5,6.5,47.5,19.0"

// Element is one node from an Overpass "out meta" response.
type Element struct {
	Type      string            `json:"type"`
	ID        int64             `json:"id"`
	Lat       float64           `json:"lat"`
	Lon       float64           `json:"lon"`
	User      string            `json:"user"`
	Timestamp string            `json:"timestamp"`
	Tags      map[string]string `json:"tags"`
}

// BuildQuery renders the OverpassQL for lamps newer than the baseline.
func BuildQuery(baselineDate string) string {
	return fmt.Sprintf(`[out:json][timeout:180][bbox:%s];
node["highway"="street_lamp"](newer:"%sT00:00:00Z");
out meta;`, italyBBox, baselineDate)
}

// decodeElements keeps only nodes; Overpass mixes element types freely.
func decodeElements(data []byte) ([]Element, error) {
	var payload struct {
		Elements []Element `json:"elements"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode overpass response: %w", err)
	}
	nodes := payload.Elements[:0]
	for _, el := range payload.Elements {
		if el.Type == "node" {
			nodes = append(nodes, el)
		}
	}
	return nodes, nil
}

// Client posts OverpassQL and decodes the result. The zero value works;
// fields exist so tests can point it at a fake server.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
}

// Fetch runs one query with retry on the two transient statuses Overpass
// is known for: 429 when rate limited and 504 when the query pool is full.
// Waits stretch with each attempt and respect ctx.
func (c *Client) Fetch(ctx context.Context, query string) ([]Element, error) {
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	const retries = 3
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * 30 * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		body := url.Values{"data": {query}}.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return decodeElements(data)
		case http.StatusTooManyRequests, http.StatusGatewayTimeout:
			lastErr = fmt.Errorf("overpass transient status %d", resp.StatusCode)
			continue
		default:
			return nil, fmt.Errorf("overpass status %d", resp.StatusCode)
		}
	}
	return nil, fmt.Errorf("overpass query failed after %d attempts: %w", retries, lastErr)
}

// MergeNew folds fetched elements into a fresh new-lamps collection.
// Lamps already known keep their original date_added so the time slider
// history stays stable; first sightings date from their OSM timestamp,
// falling back to today. Baseline ids are excluded: those lamps existed
// before tracking started and live in the other collection.
func MergeNew(existing *geodata.Collection, elements []Element, baselineIDs map[int64]struct{}, today string) *geodata.Collection {
	known := make(map[int64]string)
	if existing != nil {
		for _, lamp := range existing.Lamps {
			known[lamp.OSMID] = lamp.DateAdded
		}
	}

	lamps := make([]geodata.Lamp, 0, len(elements))
	for _, el := range elements {
		if _, inBaseline := baselineIDs[el.ID]; inBaseline {
			continue
		}

		dateAdded := ""
		if prev, ok := known[el.ID]; ok && prev != "" {
			dateAdded = prev
		} else if len(el.Timestamp) >= 10 {
			dateAdded = el.Timestamp[:10]
		} else {
			dateAdded = today
		}

		props := make(geojson.Properties)
		for _, tag := range lampTags {
			if v, ok := el.Tags[tag]; ok {
				props[tag] = v
			}
		}

		lamps = append(lamps, geodata.Lamp{
			OSMID:     el.ID,
			User:      el.User,
			DateAdded: dateAdded,
			Point:     orb.Point{el.Lon, el.Lat},
			Props:     props,
		})
	}

	return &geodata.Collection{Kind: geodata.KindNew, Lamps: lamps}
}
