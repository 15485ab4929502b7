package osmapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"pointmap/pkg/poi"
)

func TestDecodeBareArray(t *testing.T) {
	points, err := decodeNodes([]byte(`[{"id":1,"lat":10,"lon":20,"tags":{"name":"a"}},{"id":2}]`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(points) != 1 || points[0].Tags["name"] != "a" {
		t.Fatalf("entries without coordinates must be dropped: %+v", points)
	}
}

func TestDecodeKeepsZeroCoordinates(t *testing.T) {
	points, err := decodeNodes([]byte(`[{"id":4,"lat":0,"lon":0}]`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(points) != 1 || points[0].Lat != 0 || points[0].Lon != 0 {
		t.Fatalf("node at 0,0 must survive decoding: %+v", points)
	}
}

func TestDecodeWrappedElements(t *testing.T) {
	points, err := decodeNodes([]byte(`{"elements":[{"id":3,"lat":1,"lon":2}]}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(points) != 1 || points[0].ID != 3 {
		t.Fatalf("unexpected points: %+v", points)
	}
}

func TestQuerySendsBBoxAndLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("bbox") == "" {
			t.Error("bbox parameter missing")
		}
		if q.Get("limit") != "250" {
			t.Errorf("limit parameter wrong: %q", q.Get("limit"))
		}
		if q.Get("filter") != `"man_made"="surveillance"` {
			t.Errorf("filter parameter wrong: %q", q.Get("filter"))
		}
		w.Write([]byte(`[{"id":5,"lat":1,"lon":2}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	region := poi.Region{South: 1, West: 2, North: 3, East: 4}
	points, err := c.Query(context.Background(), region, []string{`"man_made"="surveillance"`}, 250)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(points) != 1 || points[0].ID != 5 {
		t.Fatalf("unexpected points: %+v", points)
	}
}

func TestQueryWithoutEndpointFails(t *testing.T) {
	c := NewClient("", nil)
	if _, err := c.Query(context.Background(), poi.Region{South: 0, West: 0, North: 1, East: 1}, nil, 0); err == nil {
		t.Fatal("expected an error without an endpoint")
	}
}
