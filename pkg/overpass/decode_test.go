package overpass

import (
	"strings"
	"testing"

	"pointmap/pkg/poi"
)

func TestDecodeElements(t *testing.T) {
	payload := []byte(`{"elements":[
		{"type":"node","id":101,"lat":51.5,"lon":-0.1,"tags":{"man_made":"surveillance"}},
		{"type":"way","id":202,"center":{"lat":48.8,"lon":2.3},"tags":{"name":"ringed"}},
		{"type":"node","id":303}
	]}`)
	points, remark, err := decodeElements(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if remark != "" {
		t.Fatalf("unexpected remark: %q", remark)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 usable points, got %d", len(points))
	}
	if points[0].ID != 101 || points[0].Tags["man_made"] != "surveillance" {
		t.Fatalf("node decoded wrong: %+v", points[0])
	}
	if points[1].ID != 202 || points[1].Lat != 48.8 {
		t.Fatalf("way center decoded wrong: %+v", points[1])
	}
}

func TestDecodeKeepsNullIslandNode(t *testing.T) {
	payload := []byte(`{"elements":[{"type":"node","id":7,"lat":0,"lon":0,"tags":{"name":"buoy"}}]}`)
	points, _, err := decodeElements(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(points) != 1 || points[0].Lat != 0 || points[0].Lon != 0 {
		t.Fatalf("node at 0,0 must survive decoding: %+v", points)
	}
}

func TestDecodeRemarkOnly(t *testing.T) {
	payload := []byte(`{"remark":"runtime error: Query run out of memory","elements":[]}`)
	points, remark, err := decodeElements(payload)
	if err != nil || len(points) != 0 {
		t.Fatalf("unexpected decode result: %v %d", err, len(points))
	}
	if !isElementLimitRemark(remark) {
		t.Fatalf("memory remark must classify as element limit: %q", remark)
	}
}

func TestRemarkClassification(t *testing.T) {
	if isElementLimitRemark("runtime error: open64: 2 No such file") {
		t.Fatal("unrelated runtime error misclassified as element limit")
	}
	if isElementLimitRemark("note: query took 12s") {
		t.Fatal("informational remark misclassified")
	}
	if !isElementLimitRemark("runtime error: Too many objects in result set") {
		t.Fatal("element count remark not recognized")
	}
}

func TestParseSlots(t *testing.T) {
	body := "Connected as: 1794\nCurrent time: 2026-08-30T10:00:00Z\nRate limit: 6\n5 slots available now.\n"
	slots, err := parseSlots(body)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if slots != 6 {
		t.Fatalf("expected 6 slots, got %d", slots)
	}
}

func TestParseSlotsMissingLine(t *testing.T) {
	if _, err := parseSlots("Connected as: 1794\n"); err == nil {
		t.Fatal("expected an error for a status page without a rate limit line")
	}
}

func TestBuildQuery(t *testing.T) {
	q := buildQuery(
		poi.Region{South: 10, West: 20, North: 12, East: 24},
		Filters{`"man_made"="surveillance"`},
	)
	for _, want := range []string{"[out:json]", `node["man_made"="surveillance"]`, "(10.000000,20.000000,12.000000,24.000000)", "out body center;"} {
		if !strings.Contains(q, want) {
			t.Fatalf("query missing %q: %s", want, q)
		}
	}
}

func TestFiltersKeyStable(t *testing.T) {
	a := Filters{`"a"="1"`, `"b"="2"`}
	b := Filters{`"a"="1"`, `"b"="2"`}
	if a.Key() != b.Key() {
		t.Fatal("identical filter sets must share a key")
	}
	if a.Key() == (Filters{`"a"="1"`}).Key() {
		t.Fatal("different filter sets must not collide")
	}
}
