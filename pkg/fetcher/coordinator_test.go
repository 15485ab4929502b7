package fetcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"pointmap/pkg/coverage"
	"pointmap/pkg/fetchgate"
	"pointmap/pkg/generation"
	"pointmap/pkg/overpass"
	"pointmap/pkg/poi"
)

// gridService simulates the remote side: a fixed grid of points plus an
// element cap. Any query whose region holds more than cap points answers
// with the element-limit signal, exactly like the real service.
type gridService struct {
	points []poi.Point
	cap    int

	mu          sync.Mutex
	calls       int
	callSizes   []int // successful result sizes, to check the cap held
	limitVisits int
}

// newGridService lays rows*cols points uniformly over the region.
func newGridService(region poi.Region, rows, cols, cap int) *gridService {
	points := make([]poi.Point, 0, rows*cols)
	latStep := (region.North - region.South) / float64(rows)
	lonStep := (region.East - region.West) / float64(cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			points = append(points, poi.Point{
				ID:  int64(r*cols + c + 1),
				Lat: region.South + (float64(r)+0.5)*latStep,
				Lon: region.West + (float64(c)+0.5)*lonStep,
			})
		}
	}
	return &gridService{points: points, cap: cap}
}

func (s *gridService) Query(ctx context.Context, region poi.Region, filters overpass.Filters) ([]poi.Point, error) {
	var inside []poi.Point
	for _, p := range s.points {
		if region.ContainsPoint(p.Lat, p.Lon) {
			inside = append(inside, p)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(inside) > s.cap {
		s.limitVisits++
		return nil, overpass.ErrElementLimit
	}
	s.callSizes = append(s.callSizes, len(inside))
	return inside, nil
}

func (s *gridService) stats() (calls, limitVisits int, sizes []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.limitVisits, append([]int(nil), s.callSizes...)
}

func newTestCoordinator(t *testing.T, remote Querier, slots SlotReporter, fallback FallbackQuerier, cfg Config) (*Coordinator, *coverage.Cache, *fetchgate.Limiter, *generation.Tracker) {
	t.Helper()
	cache := coverage.NewCache()
	t.Cleanup(cache.Close)
	gate := fetchgate.NewLimiter(4)
	gens := &generation.Tracker{}
	coord := NewCoordinator(cache, gate, remote, slots, fallback, gens, nil, cfg, t.Logf)
	coord.sleep = func(context.Context, time.Duration) error { return nil }
	return coord, cache, gate, gens
}

var viewport = poi.Region{South: 40, West: 10, North: 50, East: 20}

func TestDirectFetchBelowCapDoesNotSplit(t *testing.T) {
	// 40k points against a cap of 50k: one call, no split, coverage
	// recorded for the expanded region.
	svc := newGridService(viewport, 200, 200, 50000)
	coord, cache, _, _ := newTestCoordinator(t, svc, nil, nil, Config{})

	got := coord.PointsFor(context.Background(), viewport, nil)
	if len(got) != 40000 {
		t.Fatalf("expected all 40000 points, got %d", len(got))
	}

	calls, limits, _ := svc.stats()
	if calls != 1 || limits != 0 {
		t.Fatalf("expected exactly one direct call, got calls=%d limits=%d", calls, limits)
	}
	if !cache.HasCoverage(viewport.Expand(1.2)) {
		t.Fatal("coverage must be recorded for the expanded region")
	}
	if regions, _ := cache.Stats(); regions != 1 {
		t.Fatalf("expected one coverage record, got %d", regions)
	}
}

func TestDenseRegionSplitsAndStaysUnderCap(t *testing.T) {
	// ~122k points against a cap of 50k: the top query must split and
	// every successful leaf must individually fit under the cap.
	svc := newGridService(viewport, 350, 350, 50000)
	coord, _, _, _ := newTestCoordinator(t, svc, nil, nil, Config{})

	got := coord.PointsFor(context.Background(), viewport, nil)
	if len(got) != 350*350 {
		t.Fatalf("expected all %d points after dedup, got %d", 350*350, len(got))
	}

	_, limits, sizes := svc.stats()
	if limits < 1 {
		t.Fatal("dense region must trigger at least one split")
	}
	for _, n := range sizes {
		if n > 50000 {
			t.Fatalf("a leaf query returned %d points, above the cap", n)
		}
	}
}

func TestUnsplittableRegionTerminates(t *testing.T) {
	// Every depth stays over the cap: the machine must terminate with an
	// empty best-effort result, visiting 1+4+16+64 regions at depth 3.
	svc := newGridService(viewport, 400, 400, 10)
	coord, cache, _, _ := newTestCoordinator(t, svc, nil, nil, Config{MaxSplitDepth: 3})

	done := make(chan []poi.Point, 1)
	go func() { done <- coord.PointsFor(context.Background(), viewport, nil) }()

	select {
	case got := <-done:
		if len(got) != 0 {
			t.Fatalf("expected empty result, got %d points", len(got))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("splitting never terminated")
	}

	calls, _, _ := svc.stats()
	if calls != 1+4+16+64 {
		t.Fatalf("expected 85 queries for a full depth-3 tree, got %d", calls)
	}
	if regions, _ := cache.Stats(); regions != 0 {
		t.Fatal("no coverage may be recorded for failed branches")
	}
}

func TestCacheHitSkipsRemote(t *testing.T) {
	svc := newGridService(viewport, 10, 10, 50000)
	coord, cache, _, _ := newTestCoordinator(t, svc, nil, nil, Config{})

	cache.RecordCoverage(viewport, []poi.Point{{ID: 1, Lat: 45, Lon: 15}})
	got := coord.PointsFor(context.Background(), viewport, nil)
	if len(got) != 1 {
		t.Fatalf("expected the cached point, got %d", len(got))
	}
	if calls, _, _ := svc.stats(); calls != 0 {
		t.Fatalf("cache hit must not touch the remote, saw %d calls", calls)
	}
}

// blockingService parks every query until released, so tests can advance
// the generation while a call is mid-flight.
type blockingService struct {
	started chan struct{}
	release chan struct{}
	points  []poi.Point
}

func (s *blockingService) Query(ctx context.Context, region poi.Region, filters overpass.Filters) ([]poi.Point, error) {
	s.started <- struct{}{}
	<-s.release
	return s.points, nil
}

func TestStaleGenerationNeverReachesCache(t *testing.T) {
	svc := &blockingService{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		points:  []poi.Point{{ID: 1, Lat: 45, Lon: 15}},
	}
	coord, cache, _, gens := newTestCoordinator(t, svc, nil, nil, Config{})

	done := make(chan []poi.Point, 1)
	go func() { done <- coord.PointsFor(context.Background(), viewport, nil) }()

	<-svc.started // the remote call is in flight
	gens.Next()   // user panned: a newer intent exists
	close(svc.release)

	select {
	case got := <-done:
		if len(got) != 0 {
			t.Fatalf("stale branch must not hand out its result, got %d points", len(got))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fetch never returned")
	}

	if regions, points := cache.Stats(); regions != 0 || points != 0 {
		t.Fatalf("stale result leaked into the cache: regions=%d points=%d", regions, points)
	}
}

// flakyService rate-limits the first n calls, then serves points.
type flakyService struct {
	mu        sync.Mutex
	rateLimit int
	calls     int
	points    []poi.Point
	slots     int
	slotPolls int
}

func (s *flakyService) Query(ctx context.Context, region poi.Region, filters overpass.Filters) ([]poi.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.rateLimit {
		return nil, overpass.ErrRateLimited
	}
	return s.points, nil
}

func (s *flakyService) Slots(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slotPolls++
	return s.slots, nil
}

func TestRateLimitBackoffResizeRetry(t *testing.T) {
	svc := &flakyService{
		rateLimit: 1,
		points:    []poi.Point{{ID: 9, Lat: 45, Lon: 15}},
		slots:     1,
	}
	coord, _, gate, _ := newTestCoordinator(t, svc, svc, nil, Config{})

	got := coord.PointsFor(context.Background(), viewport, nil)
	if len(got) != 1 {
		t.Fatalf("expected the point after retry, got %d", len(got))
	}
	if svc.calls != 2 {
		t.Fatalf("expected exactly two attempts, got %d", svc.calls)
	}
	// One lazy first-use poll plus one per rate-limit signal.
	if svc.slotPolls != 2 {
		t.Fatalf("expected 2 side channel polls, got %d", svc.slotPolls)
	}
	if gate.Capacity() != 1 {
		t.Fatalf("gate must adopt the advertised budget of 1, has %d", gate.Capacity())
	}
}

func TestSlotBudgetAdoptedOnFirstUse(t *testing.T) {
	// Never rate limited: the advertised budget must still be adopted
	// before the very first fetch, not only after a 429.
	svc := &flakyService{points: []poi.Point{{ID: 3, Lat: 45, Lon: 15}}, slots: 2}
	coord, _, gate, _ := newTestCoordinator(t, svc, svc, nil, Config{})

	coord.PointsFor(context.Background(), viewport, nil)
	if svc.slotPolls != 1 {
		t.Fatalf("side channel must be consulted on first use, got %d polls", svc.slotPolls)
	}
	if gate.Capacity() != 2 {
		t.Fatalf("gate must adopt the advertised budget of 2, has %d", gate.Capacity())
	}

	// A second uncovered viewport must not poll again without a signal.
	other := poi.Region{South: 0, West: 0, North: 1, East: 1}
	coord.PointsFor(context.Background(), other, nil)
	if svc.slotPolls != 1 {
		t.Fatalf("first-use poll must happen once, got %d", svc.slotPolls)
	}
}

func TestRateLimitRetriesAreBounded(t *testing.T) {
	svc := &flakyService{rateLimit: 1 << 30, slots: 2}
	coord, _, _, _ := newTestCoordinator(t, svc, svc, nil, Config{MaxRateLimitRetries: 2})

	got := coord.PointsFor(context.Background(), viewport, nil)
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
	// Initial attempt plus two retries.
	if svc.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", svc.calls)
	}
}

// emptyService succeeds with zero points, like a hiccuping primary.
type emptyService struct{ calls int }

func (s *emptyService) Query(ctx context.Context, region poi.Region, filters overpass.Filters) ([]poi.Point, error) {
	s.calls++
	return nil, nil
}

type recordingFallback struct {
	calls  int
	points []poi.Point
}

func (f *recordingFallback) Query(ctx context.Context, region poi.Region, filters []string, maxResults int) ([]poi.Point, error) {
	f.calls++
	return f.points, nil
}

func TestEmptyPrimaryConsultsFallback(t *testing.T) {
	primary := &emptyService{}
	fb := &recordingFallback{points: []poi.Point{{ID: 77, Lat: 45, Lon: 15}}}
	coord, cache, _, _ := newTestCoordinator(t, primary, nil, fb, Config{})

	got := coord.PointsFor(context.Background(), viewport, nil)
	if fb.calls != 1 {
		t.Fatalf("fallback must be consulted once, got %d", fb.calls)
	}
	if len(got) != 1 || got[0].ID != 77 {
		t.Fatalf("fallback points must reach the caller: %+v", got)
	}
	if _, ok := cache.GetByID(77); !ok {
		t.Fatal("fallback points must be upserted into the cache")
	}

	// The empty primary reply still recorded coverage, so the next call
	// is a cache hit and consults neither service again.
	coord.PointsFor(context.Background(), viewport, nil)
	if primary.calls != 1 || fb.calls != 1 {
		t.Fatalf("covered viewport must not re-query: primary=%d fallback=%d", primary.calls, fb.calls)
	}
}

func TestBranchFailureDoesNotFailTheFetch(t *testing.T) {
	// One quadrant hard-fails; the other three still deliver.
	region := poi.Region{South: 0, West: 0, North: 8, East: 8}
	svc := newGridService(region, 40, 40, 500) // 1600 points, forces one split
	failing := &quadrantFailingService{inner: svc, failWest: 4, failSouth: 4}
	coord, _, _, _ := newTestCoordinator(t, failing, nil, nil, Config{})

	got := coord.PointsFor(context.Background(), region, nil)
	if len(got) == 0 {
		t.Fatal("surviving quadrants must still produce points")
	}
	if len(got) >= 1600 {
		t.Fatalf("the failing quadrant should be missing some points, got %d", len(got))
	}
}

// quadrantFailingService fails any query centred in the north-east
// quadrant and defers to the grid otherwise.
type quadrantFailingService struct {
	inner     *gridService
	failWest  float64
	failSouth float64
}

func (s *quadrantFailingService) Query(ctx context.Context, region poi.Region, filters overpass.Filters) ([]poi.Point, error) {
	midLat := (region.South + region.North) / 2
	midLon := (region.West + region.East) / 2
	if midLat > s.failSouth && midLon > s.failWest && region.North-region.South < 8 {
		return nil, context.DeadlineExceeded // an OtherFailure, not a signal
	}
	return s.inner.Query(ctx, region, filters)
}
