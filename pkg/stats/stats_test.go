package stats

import (
	"testing"
	"time"

	"lampioni/pkg/geodata"
)

func collectionOf(kind geodata.Kind, lamps ...geodata.Lamp) *geodata.Collection {
	return &geodata.Collection{Kind: kind, Lamps: lamps}
}

func TestRecompute(t *testing.T) {
	baseline := collectionOf(geodata.KindBaseline,
		geodata.Lamp{OSMID: 1}, geodata.Lamp{OSMID: 2}, geodata.Lamp{OSMID: 3})
	newLamps := collectionOf(geodata.KindNew,
		geodata.Lamp{OSMID: 10, User: "mario", DateAdded: "2026-02-03"},
		geodata.Lamp{OSMID: 11, User: "mario", DateAdded: "2026-02-05"},
		geodata.Lamp{OSMID: 12, User: "luigi", DateAdded: "2026-02-05"},
		geodata.Lamp{OSMID: 13}) // no date, no user

	now := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	s := Recompute(baseline, newLamps, "2026-02-01", now)

	if s.BaselineCount != 3 || s.NewCount != 4 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.LastUpdated != "2026-02-06T12:00:00Z" {
		t.Fatalf("unexpected last_updated: %q", s.LastUpdated)
	}
	if s.DailyAdditions["2026-02-05"] != 2 {
		t.Fatalf("expected 2 additions on 2026-02-05, got %d", s.DailyAdditions["2026-02-05"])
	}
	if s.DailyAdditions["2026-02-01"] != 1 {
		t.Fatalf("undated lamp should count under baseline date: %v", s.DailyAdditions)
	}

	if len(s.Leaderboard) != 3 {
		t.Fatalf("unexpected leaderboard size: %d", len(s.Leaderboard))
	}
	if s.Leaderboard[0].User != "mario" || s.Leaderboard[0].Count != 2 {
		t.Fatalf("unexpected leader: %+v", s.Leaderboard[0])
	}
	// luigi and unknown both have one lamp; names break the tie.
	if s.Leaderboard[1].User != "luigi" || s.Leaderboard[2].User != "unknown" {
		t.Fatalf("unexpected tie break order: %+v", s.Leaderboard)
	}
}

func TestDailyDatesSorted(t *testing.T) {
	s := Stats{DailyAdditions: map[string]int{
		"2026-02-05": 1,
		"2026-02-02": 3,
		"2026-02-09": 2,
	}}
	dates := s.DailyDates()
	want := []string{"2026-02-02", "2026-02-05", "2026-02-09"}
	if len(dates) != len(want) {
		t.Fatalf("unexpected date count: %v", dates)
	}
	for i := range want {
		if dates[i] != want[i] {
			t.Fatalf("unexpected order: %v", dates)
		}
	}
}

func TestDailyDatesEmpty(t *testing.T) {
	if got := (Stats{}).DailyDates(); got != nil {
		t.Fatalf("expected nil for empty histogram, got %v", got)
	}
}
