// Package overpass talks to an Overpass-style geospatial query service.
// The service is public and shared: it rate-limits per IP, refuses result
// sets above a fixed element cap, and offers no pagination, so callers
// must shrink their ask instead of paging through it.
package overpass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"pointmap/pkg/poi"
)

// Sentinel errors let the fetch coordinator branch on an explicit
// discriminant instead of inspecting response text.
var (
	// ErrElementLimit means the unfiltered result set would exceed the
	// server's maximum returnable element count. Recoverable by querying a
	// smaller area.
	ErrElementLimit = errors.New("overpass: element limit exceeded")
	// ErrRateLimited means too many requests, not too many results.
	// Recoverable by backing off; splitting would be the wrong response.
	ErrRateLimited = errors.New("overpass: rate limited")
)

// Filters is a set of raw tag selectors, e.g. `"man_made"="surveillance"`.
// Each selector becomes one node clause in the union.
type Filters []string

// Key returns a stable string identifying the filter set, used by callers
// to notice when a filter change invalidates prior coverage.
func (f Filters) Key() string { return strings.Join(f, "|") }

// Client issues bounded-area queries against one Overpass endpoint.
// A token bucket spaces calls out; public instances ask for at least a
// little politeness between requests even inside the slot budget.
type Client struct {
	endpoint   string
	statusURL  string
	httpClient *http.Client
	pacer      *rate.Limiter
	logf       func(string, ...any)
}

// Options tune the client. Zero values pick the documented defaults.
type Options struct {
	// Endpoint is the interpreter URL, e.g. https://overpass-api.de/api/interpreter.
	Endpoint string
	// StatusEndpoint is the slot side channel. Derived from Endpoint when empty.
	StatusEndpoint string
	// MinInterval spaces consecutive calls. Default 500ms.
	MinInterval time.Duration
	// Timeout bounds one HTTP round trip. Default 30s.
	Timeout time.Duration
	// Logf receives progress lines; nil silences them.
	Logf func(string, ...any)
}

// NewClient builds a client for one endpoint.
func NewClient(opt Options) *Client {
	endpoint := strings.TrimSpace(opt.Endpoint)
	statusURL := strings.TrimSpace(opt.StatusEndpoint)
	if statusURL == "" && strings.HasSuffix(endpoint, "/interpreter") {
		statusURL = strings.TrimSuffix(endpoint, "/interpreter") + "/status"
	}
	minInterval := opt.MinInterval
	if minInterval <= 0 {
		minInterval = 500 * time.Millisecond
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logf := opt.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Client{
		endpoint:   endpoint,
		statusURL:  statusURL,
		httpClient: &http.Client{Timeout: timeout},
		pacer:      rate.NewLimiter(rate.Every(minInterval), 1),
		logf:       logf,
	}
}

// Query fetches all nodes matching the filters inside the region. It
// returns ErrElementLimit or ErrRateLimited for the two recoverable server
// signals; any other error is terminal for the caller's branch.
func (c *Client) Query(ctx context.Context, region poi.Region, filters Filters) ([]poi.Point, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	body := buildQuery(region, filters)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode; a 200 can still carry a runtime remark.
	case http.StatusTooManyRequests, http.StatusGatewayTimeout:
		// 429 is the explicit signal; shared instances answer 504 when all
		// slots are busy, which means the same thing to us.
		return nil, ErrRateLimited
	case http.StatusRequestEntityTooLarge:
		return nil, ErrElementLimit
	default:
		return nil, fmt.Errorf("overpass: unexpected status %d", resp.StatusCode)
	}

	points, remark, err := decodeElements(payload)
	if err != nil {
		return nil, fmt.Errorf("overpass: decode: %w", err)
	}
	if remark != "" {
		if isElementLimitRemark(remark) {
			return nil, ErrElementLimit
		}
		c.logf("overpass remark: %s", remark)
		return nil, fmt.Errorf("overpass: remark: %s", remark)
	}
	return points, nil
}

// Slots asks the status side channel how many concurrent queries this IP
// may run. Invoked lazily on first use and again after every rate-limit
// signal, since the advertised budget changes over time.
func (c *Client) Slots(ctx context.Context) (int, error) {
	if c.statusURL == "" {
		return 0, errors.New("overpass: no status endpoint configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statusURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	slots, err := parseSlots(string(body))
	if err != nil {
		return 0, err
	}
	c.logf("overpass status: %d slots", slots)
	return slots, nil
}

// buildQuery renders one union query over the bbox. Overpass bboxes are
// south,west,north,east.
func buildQuery(region poi.Region, filters Filters) string {
	bbox := fmt.Sprintf("(%f,%f,%f,%f)", region.South, region.West, region.North, region.East)
	var sb strings.Builder
	sb.WriteString("[out:json][timeout:25];(")
	if len(filters) == 0 {
		sb.WriteString("node" + bbox + ";")
	}
	for _, f := range filters {
		sb.WriteString("node[" + f + "]" + bbox + ";")
	}
	sb.WriteString(");out body center;")
	return sb.String()
}
