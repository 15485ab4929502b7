// Package fetcher coordinates viewport fetches against a rate-limited,
// element-capped query service. Given a requested region it decides
// cache-hit versus fetch, and on fetch runs an adaptive splitting state
// machine: areas too dense for the server's element cap are quartered
// recursively until each piece fits, rate-limit replies trigger backoff
// and a limiter resize, and work made obsolete by user panning is
// abandoned at well-defined checkpoints.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pointmap/pkg/coverage"
	"pointmap/pkg/fetchgate"
	"pointmap/pkg/generation"
	"pointmap/pkg/logger"
	"pointmap/pkg/overpass"
	"pointmap/pkg/poi"
	"pointmap/pkg/status"
)

// Querier is the primary bounded-area query service.
type Querier interface {
	Query(ctx context.Context, region poi.Region, filters overpass.Filters) ([]poi.Point, error)
}

// SlotReporter exposes the service's concurrent-query budget side channel.
type SlotReporter interface {
	Slots(ctx context.Context) (int, error)
}

// FallbackQuerier is the slower authoritative API consulted when the
// primary returns nothing, to tell an empty area from a service hiccup.
type FallbackQuerier interface {
	Query(ctx context.Context, region poi.Region, filters []string, maxResults int) ([]poi.Point, error)
}

// Config tunes the state machine. Zero values pick the defaults below.
type Config struct {
	// ExpandFactor grows each queried region to amortize nearby panning.
	ExpandFactor float64
	// MaxSplitDepth bounds the quadrant recursion; a region that never
	// fits under the cap must terminate, not recurse forever.
	MaxSplitDepth int
	// MaxRateLimitRetries bounds retries of one region after 429s.
	MaxRateLimitRetries int
	// Backoff is the base delay before a rate-limit retry.
	Backoff time.Duration
	// FallbackMaxResults truncates the fallback query.
	FallbackMaxResults int
}

func (c Config) withDefaults() Config {
	if c.ExpandFactor <= 0 {
		c.ExpandFactor = 1.2
	}
	if c.MaxSplitDepth <= 0 {
		c.MaxSplitDepth = 3
	}
	if c.MaxRateLimitRetries <= 0 {
		c.MaxRateLimitRetries = 2
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.FallbackMaxResults <= 0 {
		c.FallbackMaxResults = 250
	}
	return c
}

// Coordinator owns no point data itself; all durable state lives in the
// coverage cache. Per-fetch state stays on the stack of each branch.
type Coordinator struct {
	cache    *coverage.Cache
	gate     *fetchgate.Limiter
	remote   Querier
	slots    SlotReporter
	fallback FallbackQuerier
	gens     *generation.Tracker
	events   *status.Bus
	cfg      Config
	logf     func(string, ...any)
	sleep    func(ctx context.Context, d time.Duration) error
	seq      atomic.Int64

	// slotsOnce guards the lazy first-use poll of the slot side channel.
	// Later polls happen on every rate-limit signal, since the advertised
	// budget changes over time.
	slotsOnce sync.Once
}

// NewCoordinator wires the coordinator. slots, fallback, events and logf
// are optional; pass nil to disable them.
func NewCoordinator(
	cache *coverage.Cache,
	gate *fetchgate.Limiter,
	remote Querier,
	slots SlotReporter,
	fallback FallbackQuerier,
	gens *generation.Tracker,
	events *status.Bus,
	cfg Config,
	logf func(string, ...any),
) *Coordinator {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Coordinator{
		cache:    cache,
		gate:     gate,
		remote:   remote,
		slots:    slots,
		fallback: fallback,
		gens:     gens,
		events:   events,
		cfg:      cfg.withDefaults(),
		logf:     logf,
		sleep:    sleepCtx,
	}
}

// PointsFor returns the points for a viewport, from cache when covered and
// otherwise through the splitting fetch. The result is always best-effort:
// branch failures cost their own sub-area, never the whole call.
func (c *Coordinator) PointsFor(ctx context.Context, viewport poi.Region, filters overpass.Filters) []poi.Point {
	if c.cache.HasCoverage(viewport) {
		points := c.cache.PointsIn(viewport)
		c.events.Publish(status.Succeeded, viewport)
		return points
	}

	gen := c.gens.Next()
	fetchID := fmt.Sprintf("F-%04d", c.seq.Add(1))
	logger.Begin(fetchID)
	logger.Append(fetchID, fmt.Sprintf("[%s] fetch start gen=%d region=%+v", fetchID, gen, viewport))

	// First network fetch: adopt whatever slot budget the service
	// currently advertises before competing for slots at the static
	// default.
	c.slotsOnce.Do(func() { c.adoptAdvertisedSlots(ctx, fetchID) })

	gathered := c.fetchBranch(ctx, gen, viewport, filters, 0, fetchID)

	if c.gens.IsStale(gen) {
		// A newer viewport fetch superseded this one mid-flight. Hand the
		// old caller whatever was gathered; the cache was left untouched
		// by stale branches.
		logger.Success(fetchID, fmt.Sprintf("superseded, %d points kept locally", len(gathered)))
		return gathered
	}

	if len(gathered) == 0 && c.fallback != nil {
		// Called for its upsert side effect; the response below is rebuilt
		// from the cache either way.
		c.consultFallback(ctx, viewport, filters, fetchID)
	}

	points := c.cache.PointsIn(viewport)
	if len(points) == 0 {
		c.events.Publish(status.NoData, viewport)
		logger.Success(fetchID, "no data in this area")
		return points
	}
	c.events.Publish(status.Succeeded, viewport)
	logger.Success(fetchID, fmt.Sprintf("%d points for viewport", len(points)))
	return points
}

// fetchBranch runs the state machine for one region at one split depth.
// It returns an empty slice, never an error: every failure mode is
// terminal for this branch only.
func (c *Coordinator) fetchBranch(ctx context.Context, gen generation.Generation, region poi.Region, filters overpass.Filters, depth int, fetchID string) []poi.Point {
	expanded := region.Expand(c.cfg.ExpandFactor)

	for attempt := 0; ; attempt++ {
		// Checkpoint: before taking a slot.
		if c.abandoned(ctx, gen, fetchID, region, "before acquire") {
			return nil
		}

		c.events.Publish(status.Waiting, region)
		if err := c.gate.Acquire(ctx); err != nil {
			logger.Append(fetchID, fmt.Sprintf("[%s] acquire aborted: %v", fetchID, err))
			return nil
		}

		// Checkpoint: the queue may have held us across a pan.
		if c.abandoned(ctx, gen, fetchID, region, "after acquire") {
			c.gate.Release()
			return nil
		}

		points, err := c.remote.Query(ctx, expanded, filters)
		c.gate.Release()

		// Checkpoint: the round trip may have outlived the viewport. Even
		// a successful result is discarded here so stale data never
		// reaches the shared cache.
		if c.abandoned(ctx, gen, fetchID, region, "after network") {
			return nil
		}

		switch {
		case err == nil:
			// Coverage is recorded for the expanded region, and
			// immediately, so siblings still in flight already benefit.
			c.cache.RecordCoverage(expanded, points)
			logger.Append(fetchID, fmt.Sprintf("[%s] depth=%d got %d points", fetchID, depth, len(points)))
			return points

		case errors.Is(err, overpass.ErrElementLimit):
			return c.split(ctx, gen, region, filters, depth, fetchID)

		case errors.Is(err, overpass.ErrRateLimited):
			c.events.Publish(status.RateLimited, region)
			if attempt >= c.cfg.MaxRateLimitRetries {
				logger.Append(fetchID, fmt.Sprintf("[%s] depth=%d rate limited %d times, giving up branch", fetchID, depth, attempt+1))
				c.events.Publish(status.GaveUp, region)
				return nil
			}
			logger.Append(fetchID, fmt.Sprintf("[%s] depth=%d rate limited, backing off (attempt %d)", fetchID, depth, attempt+1))
			if err := c.sleep(ctx, c.cfg.Backoff*time.Duration(attempt+1)); err != nil {
				return nil
			}
			c.adoptAdvertisedSlots(ctx, fetchID)
			// Retry the same region: a rate limit means too many
			// requests, not too many results, so splitting would only
			// make it worse.

		default:
			// An unclassified failure is worth the full story: replay the
			// buffered detail for this fetch, then the error itself.
			logger.FlushError(fetchID, fmt.Errorf("depth=%d query for %+v: %w", depth, region, err))
			c.events.Publish(status.GaveUp, region)
			return nil
		}
	}
}

// split quarters the region and runs the four children concurrently. The
// merge is a flat concatenation; boundary duplicates collapse in the
// cache's id-keyed upsert.
func (c *Coordinator) split(ctx context.Context, gen generation.Generation, region poi.Region, filters overpass.Filters, depth int, fetchID string) []poi.Point {
	if depth >= c.cfg.MaxSplitDepth {
		logger.Append(fetchID, fmt.Sprintf("[%s] depth=%d still over the element cap at max split depth, giving up branch", fetchID, depth))
		c.events.Publish(status.GaveUp, region)
		return nil
	}

	// Checkpoint: before fanning out four more branches.
	if c.abandoned(ctx, gen, fetchID, region, "before fan-out") {
		return nil
	}

	c.events.Publish(status.Splitting, region)
	logger.Append(fetchID, fmt.Sprintf("[%s] depth=%d too dense, splitting into quadrants", fetchID, depth))

	quadrants := region.Quadrants()
	results := make(chan []poi.Point, len(quadrants))
	for _, q := range quadrants {
		go func(q poi.Region) {
			results <- c.fetchBranch(ctx, gen, q, filters, depth+1, fetchID)
		}(q)
	}

	var merged []poi.Point
	for range quadrants {
		merged = append(merged, <-results...)
	}
	return merged
}

// consultFallback asks the slower authoritative API whether the area is
// really empty. Its points enter the cache via upsert only; the primary's
// successful empty reply already recorded the coverage.
func (c *Coordinator) consultFallback(ctx context.Context, viewport poi.Region, filters overpass.Filters, fetchID string) {
	points, err := c.fallback.Query(ctx, viewport, filters, c.cfg.FallbackMaxResults)
	if err != nil {
		logger.Append(fetchID, fmt.Sprintf("[%s] fallback query failed: %v", fetchID, err))
		return
	}
	if len(points) > 0 {
		logger.Append(fetchID, fmt.Sprintf("[%s] fallback recovered %d points", fetchID, len(points)))
		c.cache.Upsert(points)
	}
}

// abandoned is the shared staleness checkpoint. Stale work returns empty
// results, never errors; abandonment is normal, not a failure.
func (c *Coordinator) abandoned(ctx context.Context, gen generation.Generation, fetchID string, region poi.Region, checkpoint string) bool {
	if ctx.Err() != nil {
		return true
	}
	if !c.gens.IsStale(gen) {
		return false
	}
	logger.Append(fetchID, fmt.Sprintf("[%s] gen=%d stale %s, abandoning %+v", fetchID, gen, checkpoint, region))
	return true
}

// adoptAdvertisedSlots polls the side channel and resizes the gate to the
// budget the service currently grants this client.
func (c *Coordinator) adoptAdvertisedSlots(ctx context.Context, fetchID string) {
	if c.slots == nil {
		return
	}
	n, err := c.slots.Slots(ctx)
	if err != nil {
		logger.Append(fetchID, fmt.Sprintf("[%s] slot side channel failed: %v", fetchID, err))
		return
	}
	if n < 1 {
		n = 1
	}
	logger.Append(fetchID, fmt.Sprintf("[%s] service grants %d slots, resizing gate", fetchID, n))
	c.gate.Resize(n)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
