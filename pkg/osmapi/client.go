// Package osmapi queries the slower authoritative node API. It has no
// element cap and no slot budget, so it is only consulted to disambiguate
// "genuinely empty area" from a primary-service hiccup, never as the main
// fetch path.
package osmapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pointmap/pkg/poi"
)

// nodePayload maps only the fields we care about from the fallback JSON.
// Coordinate pointers distinguish an absent field from a node at 0,0.
type nodePayload struct {
	ID   int64             `json:"id"`
	Lat  *float64          `json:"lat"`
	Lon  *float64          `json:"lon"`
	Tags map[string]string `json:"tags,omitempty"`
}

// Client issues bounded-area queries against the fallback endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logf       func(string, ...any)
}

// NewClient builds a fallback client. The timeout is generous because the
// authoritative API is expected to be slow.
func NewClient(endpoint string, logf func(string, ...any)) *Client {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Client{
		endpoint:   strings.TrimSpace(endpoint),
		httpClient: &http.Client{Timeout: 90 * time.Second},
		logf:       logf,
	}
}

// Query fetches nodes matching the filters in the region, truncated
// server-side at maxResults.
func (c *Client) Query(ctx context.Context, region poi.Region, filters []string, maxResults int) ([]poi.Point, error) {
	if c == nil || c.endpoint == "" {
		return nil, fmt.Errorf("osmapi: no endpoint configured")
	}

	params := url.Values{}
	// bbox order follows the map-call convention: west,south,east,north.
	params.Set("bbox", fmt.Sprintf("%f,%f,%f,%f", region.West, region.South, region.East, region.North))
	if maxResults > 0 {
		params.Set("limit", strconv.Itoa(maxResults))
	}
	for _, f := range filters {
		params.Add("filter", f)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osmapi: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}

	points, err := decodeNodes(body)
	if err != nil {
		return nil, fmt.Errorf("osmapi: decode: %w", err)
	}
	c.logf("osmapi fallback: nodes %d", len(points))
	return points, nil
}

// decodeNodes accepts either a bare array or an {"elements": [...]} wrapper
// so both deployment flavours of the fallback service work.
func decodeNodes(body []byte) ([]poi.Point, error) {
	var raw []nodePayload
	if err := json.Unmarshal(body, &raw); err != nil {
		var wrapped struct {
			Elements []nodePayload `json:"elements"`
		}
		if err2 := json.Unmarshal(body, &wrapped); err2 != nil {
			return nil, err
		}
		raw = wrapped.Elements
	}
	points := make([]poi.Point, 0, len(raw))
	for _, n := range raw {
		if n.Lat == nil || n.Lon == nil {
			continue
		}
		points = append(points, poi.Point{ID: n.ID, Lat: *n.Lat, Lon: *n.Lon, Tags: n.Tags})
	}
	return points, nil
}
