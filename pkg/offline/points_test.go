package offline

import (
	"database/sql"
	"testing"

	"pointmap/pkg/poi"
)

func TestBoundsQueryPlaceholders(t *testing.T) {
	region := poi.Region{South: 1, West: 2, North: 3, East: 4}

	query, args := boundsQuery("sqlite", region)
	if query != "SELECT id, lat, lon, tags FROM points WHERE lat >= ? AND lat <= ? AND lon >= ? AND lon <= ?" {
		t.Fatalf("unexpected sqlite query: %s", query)
	}
	if len(args) != 4 || args[0] != 1.0 || args[1] != 3.0 || args[2] != 2.0 || args[3] != 4.0 {
		t.Fatalf("args out of order: %v", args)
	}

	query, _ = boundsQuery("pgx", region)
	if query != "SELECT id, lat, lon, tags FROM points WHERE lat >= $1 AND lat <= $2 AND lon >= $3 AND lon <= $4" {
		t.Fatalf("unexpected pgx query: %s", query)
	}
}

func TestTagsRoundTrip(t *testing.T) {
	encoded, err := encodeTags(map[string]string{"name": "cam", "_pendingEdit": "1"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	tags, err := decodeTags(sql.NullString{String: encoded, Valid: true})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if tags["name"] != "cam" || tags["_pendingEdit"] != "1" {
		t.Fatalf("tags lost in round trip: %v", tags)
	}
}

func TestEmptyTagsEncodeToEmptyString(t *testing.T) {
	encoded, err := encodeTags(nil)
	if err != nil || encoded != "" {
		t.Fatalf("nil tags must encode empty: %q %v", encoded, err)
	}
	tags, err := decodeTags(sql.NullString{})
	if err != nil || tags != nil {
		t.Fatalf("null column must decode to nil tags: %v %v", tags, err)
	}
}

func TestRandomBase62Shape(t *testing.T) {
	code, err := randomBase62(8)
	if err != nil {
		t.Fatalf("random code failed: %v", err)
	}
	if len(code) != 8 {
		t.Fatalf("unexpected code length: %q", code)
	}
	for _, r := range code {
		ok := (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
		if !ok {
			t.Fatalf("code contains non-base62 rune: %q", code)
		}
	}
}
