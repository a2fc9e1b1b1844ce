package overpass

import (
	"strings"
	"testing"

	"lampioni/pkg/geodata"
)

func TestBuildQuery(t *testing.T) {
	q := BuildQuery("2026-02-01")
	if !strings.Contains(q, `(newer:"2026-02-01T00:00:00Z")`) {
		t.Fatalf("query missing newer filter: %s", q)
	}
	if !strings.Contains(q, `node["highway"="street_lamp"]`) {
		t.Fatalf("query missing lamp selector: %s", q)
	}
}

func TestDecodeElements(t *testing.T) {
	payload := []byte(`{"elements":[
		{"type":"node","id":42,"lat":45.1,"lon":9.2,"user":"mario","timestamp":"2026-02-10T08:30:00Z","tags":{"highway":"street_lamp","lamp_type":"electric"}},
		{"type":"way","id":7}
	]}`)
	elements, err := decodeElements(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(elements) != 1 {
		t.Fatalf("non-node elements should be dropped: %d", len(elements))
	}
	el := elements[0]
	if el.ID != 42 || el.User != "mario" || el.Tags["lamp_type"] != "electric" {
		t.Fatalf("unexpected element: %+v", el)
	}
}

func TestDecodeElementsRejectsGarbage(t *testing.T) {
	if _, err := decodeElements([]byte("<html>busy</html>")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestMergeNewPreservesDates(t *testing.T) {
	existing := &geodata.Collection{Kind: geodata.KindNew, Lamps: []geodata.Lamp{
		{OSMID: 1, DateAdded: "2026-02-03", User: "mario"},
	}}
	elements := []Element{
		{Type: "node", ID: 1, User: "mario", Timestamp: "2026-02-20T10:00:00Z"},  // known: keeps old date
		{Type: "node", ID: 2, User: "luigi", Timestamp: "2026-02-21T09:00:00Z"},  // first sighting: OSM timestamp
		{Type: "node", ID: 3, User: "peach"},                                     // no timestamp: today
		{Type: "node", ID: 99, User: "bowser", Timestamp: "2026-02-21T09:00:00Z"}, // baseline id: excluded
	}
	baselineIDs := map[int64]struct{}{99: {}}

	merged := MergeNew(existing, elements, baselineIDs, "2026-02-22")
	if merged.Len() != 3 {
		t.Fatalf("unexpected merged size: %d", merged.Len())
	}

	byID := make(map[int64]geodata.Lamp)
	for _, lamp := range merged.Lamps {
		byID[lamp.OSMID] = lamp
	}
	if byID[1].DateAdded != "2026-02-03" {
		t.Fatalf("known lamp lost its original date: %q", byID[1].DateAdded)
	}
	if byID[2].DateAdded != "2026-02-21" {
		t.Fatalf("first sighting should date from its timestamp: %q", byID[2].DateAdded)
	}
	if byID[3].DateAdded != "2026-02-22" {
		t.Fatalf("timestampless lamp should date from today: %q", byID[3].DateAdded)
	}
	if _, ok := byID[99]; ok {
		t.Fatal("baseline lamp leaked into the new collection")
	}
}

func TestMergeNewKeepsOnlyKnownTags(t *testing.T) {
	elements := []Element{{
		Type: "node", ID: 5, Timestamp: "2026-02-10T00:00:00Z",
		Tags: map[string]string{"lamp_type": "electric", "highway": "street_lamp", "note": "scratch"},
	}}
	merged := MergeNew(nil, elements, nil, "2026-02-22")
	props := merged.Lamps[0].Props
	if props["lamp_type"] != "electric" {
		t.Fatalf("expected lamp_type to survive: %v", props)
	}
	if _, ok := props["note"]; ok {
		t.Fatalf("unlisted tag should be dropped: %v", props)
	}
}
