package coverage

import (
	"testing"

	"pointmap/pkg/poi"
)

func TestCoverageContainment(t *testing.T) {
	c := NewCache()
	defer c.Close()

	outer := poi.Region{South: 10, West: 20, North: 12, East: 24}
	c.RecordCoverage(outer, nil)

	inner := poi.Region{South: 10.5, West: 21, North: 11.5, East: 23}
	if !c.HasCoverage(inner) {
		t.Fatal("sub-region of a covered region must be covered")
	}
	if !c.HasCoverage(outer) {
		t.Fatal("the covered region itself must be covered")
	}
	straddling := poi.Region{South: 11, West: 23, North: 13, East: 25}
	if c.HasCoverage(straddling) {
		t.Fatal("partially overlapping region must be a miss")
	}
}

func TestNoUnionOfAdjacentRegions(t *testing.T) {
	c := NewCache()
	defer c.Close()

	c.RecordCoverage(poi.Region{South: 0, West: 0, North: 10, East: 5}, nil)
	c.RecordCoverage(poi.Region{South: 0, West: 5, North: 10, East: 10}, nil)

	// Both halves are covered but no single record contains the union,
	// so a straddling viewport is treated as a miss.
	if c.HasCoverage(poi.Region{South: 2, West: 3, North: 8, East: 7}) {
		t.Fatal("coverage must not union adjacent regions")
	}
}

func TestPointsInFiltersByBounds(t *testing.T) {
	c := NewCache()
	defer c.Close()

	c.Upsert([]poi.Point{
		{ID: 1, Lat: 1, Lon: 1},
		{ID: 2, Lat: 5, Lon: 5},
		{ID: 3, Lat: 2, Lon: 2, Tags: map[string]string{"name": "inside"}},
	})

	got := c.PointsIn(poi.Region{South: 0, West: 0, North: 3, East: 3})
	if len(got) != 2 {
		t.Fatalf("expected 2 points inside, got %d", len(got))
	}
}

func TestUpsertPreservesLocalTags(t *testing.T) {
	c := NewCache()
	defer c.Close()

	c.Upsert([]poi.Point{{ID: 7, Lat: 1, Lon: 1, Tags: map[string]string{
		"name":         "first",
		"_pendingEdit": "1",
	}}})
	// Fresh server copy without the local annotation.
	c.Upsert([]poi.Point{{ID: 7, Lat: 1, Lon: 1, Tags: map[string]string{
		"name": "second",
	}}})

	p, ok := c.GetByID(7)
	if !ok {
		t.Fatal("point disappeared")
	}
	if p.Tags["name"] != "second" {
		t.Fatalf("later server value must win: %q", p.Tags["name"])
	}
	if p.Tags["_pendingEdit"] != "1" {
		t.Fatal("client-local tag must survive the server overwrite")
	}
}

func TestRecordCoverageMergesPoints(t *testing.T) {
	c := NewCache()
	defer c.Close()

	region := poi.Region{South: 0, West: 0, North: 1, East: 1}
	c.RecordCoverage(region, []poi.Point{{ID: 1, Lat: 0.5, Lon: 0.5}})
	c.RecordCoverage(region, []poi.Point{{ID: 1, Lat: 0.5, Lon: 0.5}, {ID: 2, Lat: 0.2, Lon: 0.2}})

	if got := c.PointsIn(region); len(got) != 2 {
		t.Fatalf("duplicate ids must collapse: got %d points", len(got))
	}
	regions, points := c.Stats()
	if regions != 2 || points != 2 {
		t.Fatalf("unexpected stats: regions=%d points=%d", regions, points)
	}
}

func TestClearDropsEverything(t *testing.T) {
	c := NewCache()
	defer c.Close()

	region := poi.Region{South: 0, West: 0, North: 1, East: 1}
	c.RecordCoverage(region, []poi.Point{{ID: 1, Lat: 0.5, Lon: 0.5}})
	c.Clear()

	if c.HasCoverage(region) {
		t.Fatal("coverage survived Clear")
	}
	if regions, points := c.Stats(); regions != 0 || points != 0 {
		t.Fatalf("state survived Clear: regions=%d points=%d", regions, points)
	}
}

func TestRemoveByID(t *testing.T) {
	c := NewCache()
	defer c.Close()

	c.Upsert([]poi.Point{{ID: 3, Lat: 1, Lon: 1}})
	c.RemoveByID(3)
	if _, ok := c.GetByID(3); ok {
		t.Fatal("point survived removal")
	}
}

func TestResultsAreCopies(t *testing.T) {
	c := NewCache()
	defer c.Close()

	c.Upsert([]poi.Point{{ID: 9, Lat: 1, Lon: 1, Tags: map[string]string{"name": "a"}}})
	got := c.PointsIn(poi.Region{South: 0, West: 0, North: 2, East: 2})
	got[0].Tags["name"] = "mutated"

	p, _ := c.GetByID(9)
	if p.Tags["name"] != "a" {
		t.Fatal("caller mutation leaked into the cache")
	}
}
