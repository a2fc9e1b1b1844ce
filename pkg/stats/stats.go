// Package stats models the stats.json summary that accompanies the lamp
// datasets: headline counts, the contributor leaderboard, and the daily
// additions histogram the time slider uses as an extra date source.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"lampioni/pkg/geodata"
)

// LeaderboardEntry ranks one contributor by the number of lamps they added.
type LeaderboardEntry struct {
	User  string `json:"user"`
	Count int    `json:"count"`
}

// Stats mirrors the stats.json layout written by the data pipeline.
type Stats struct {
	BaselineCount  int                `json:"baseline_count"`
	NewCount       int                `json:"new_count"`
	LastUpdated    string             `json:"last_updated"`
	Leaderboard    []LeaderboardEntry `json:"leaderboard"`
	DailyAdditions map[string]int     `json:"daily_additions"`
}

// leaderboardSize caps the published ranking, matching the pipeline.
const leaderboardSize = 20

// Load reads stats.json from disk. A missing or unreadable file is an
// error for the caller to surface; we never invent counts.
func Load(path string) (Stats, error) {
	var s Stats
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode %s: %w", path, err)
	}
	return s, nil
}

// DailyDates returns the histogram keys so the date axis can include days
// that still have a count but whose features were since pruned.
func (s Stats) DailyDates() []string {
	if len(s.DailyAdditions) == 0 {
		return nil
	}
	dates := make([]string, 0, len(s.DailyAdditions))
	for d := range s.DailyAdditions {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// Recompute rebuilds the derived sections from the cached collections,
// the same way the daily pipeline does after an Overpass refresh. The
// receiver is untouched; a new value comes back so cached Stats can stay
// immutable for concurrent readers.
func Recompute(baseline, newLamps *geodata.Collection, baselineDate string, now time.Time) Stats {
	s := Stats{
		BaselineCount:  baseline.Len(),
		NewCount:       newLamps.Len(),
		LastUpdated:    now.UTC().Format(time.RFC3339),
		DailyAdditions: make(map[string]int),
	}

	userCounts := make(map[string]int)
	for _, lamp := range lampsOf(newLamps) {
		user := lamp.User
		if user == "" {
			user = "unknown"
		}
		userCounts[user]++
		s.DailyAdditions[lamp.EffectiveDate(baselineDate)]++
	}

	s.Leaderboard = rankUsers(userCounts)
	return s
}

// rankUsers orders contributors by count, then name for a stable tie
// break, and trims to the published size.
func rankUsers(counts map[string]int) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(counts))
	for user, count := range counts {
		entries = append(entries, LeaderboardEntry{User: user, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].User < entries[j].User
	})
	if len(entries) > leaderboardSize {
		entries = entries[:leaderboardSize]
	}
	return entries
}

func lampsOf(c *geodata.Collection) []geodata.Lamp {
	if c == nil {
		return nil
	}
	return c.Lamps
}
