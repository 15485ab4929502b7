// Package coverage tracks which map regions have already been fetched and
// keeps every known point in memory. A single goroutine owns all state and
// callers talk to it over channels, so plain maps and slices need no locks.
package coverage

import (
	"time"

	"pointmap/pkg/poi"
)

// Cache answers "is this viewport already covered?" and serves points for
// any viewport. Coverage is a flat list of fetched rectangles checked by
// containment; at single digits to low hundreds of regions that beats the
// bookkeeping cost of a spatial index.
type Cache struct {
	requests chan request
	quit     chan struct{}
	now      func() time.Time
}

type opKind int

const (
	opHasCoverage opKind = iota
	opPointsIn
	opRecordCoverage
	opUpsert
	opRemoveByID
	opGetByID
	opClear
	opStats
)

type request struct {
	kind   opKind
	region poi.Region
	points []poi.Point
	id     int64
	reply  chan response
}

type response struct {
	covered bool
	points  []poi.Point
	point   poi.Point
	found   bool
	regions int
	stored  int
}

// NewCache starts the owning goroutine immediately so the cache is usable
// without further plumbing.
func NewCache() *Cache {
	c := &Cache{
		requests: make(chan request),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go c.loop()
	return c
}

// Close stops the owning goroutine. Safe to call more than once.
func (c *Cache) Close() {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
}

func (c *Cache) ask(req request) response {
	req.reply = make(chan response, 1)
	select {
	case c.requests <- req:
	case <-c.quit:
		return response{}
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-c.quit:
		return response{}
	}
}

// HasCoverage reports whether some single recorded region contains the
// whole viewport. Two adjacent covered halves do not count; that viewport
// is re-fetched and the merge-on-upsert dedup absorbs the overlap.
func (c *Cache) HasCoverage(region poi.Region) bool {
	return c.ask(request{kind: opHasCoverage, region: region}).covered
}

// PointsIn returns copies of all stored points inside the region, edges
// inclusive, regardless of which fetch added them.
func (c *Cache) PointsIn(region poi.Region) []poi.Point {
	return c.ask(request{kind: opPointsIn, region: region}).points
}

// RecordCoverage appends a covered region and merges its points into the
// store. Only call it after the underlying query fully succeeded; partial
// results must never be recorded as coverage. Repeated calls for the same
// area waste a little memory and nothing else.
func (c *Cache) RecordCoverage(region poi.Region, points []poi.Point) {
	c.ask(request{kind: opRecordCoverage, region: region, points: points})
}

// Upsert merges points into the store without touching coverage. Used by
// collaborators that learn about points outside the fetch path.
func (c *Cache) Upsert(points []poi.Point) {
	c.ask(request{kind: opUpsert, points: points})
}

// RemoveByID drops one point, e.g. after a confirmed deletion.
func (c *Cache) RemoveByID(id int64) {
	c.ask(request{kind: opRemoveByID, id: id})
}

// GetByID returns a copy of one point, if known.
func (c *Cache) GetByID(id int64) (poi.Point, bool) {
	resp := c.ask(request{kind: opGetByID, id: id})
	return resp.point, resp.found
}

// Clear drops all coverage and points. Called when the display filters
// change in a way that invalidates every prior coverage decision.
func (c *Cache) Clear() {
	c.ask(request{kind: opClear})
}

// Stats reports the number of covered regions and stored points.
func (c *Cache) Stats() (regions, points int) {
	resp := c.ask(request{kind: opStats})
	return resp.regions, resp.stored
}

func (c *Cache) loop() {
	covered := make([]poi.CoveredRegion, 0, 16)
	points := make(map[int64]poi.Point)

	for {
		select {
		case <-c.quit:
			return
		case req := <-c.requests:
			var resp response
			switch req.kind {
			case opHasCoverage:
				for _, cr := range covered {
					if cr.Region.Contains(req.region) {
						resp.covered = true
						break
					}
				}
			case opPointsIn:
				for _, p := range points {
					if req.region.ContainsPoint(p.Lat, p.Lon) {
						resp.points = append(resp.points, copyPoint(p))
					}
				}
			case opRecordCoverage:
				covered = append(covered, poi.CoveredRegion{Region: req.region, FetchedAt: c.now()})
				mergeAll(points, req.points)
			case opUpsert:
				mergeAll(points, req.points)
			case opRemoveByID:
				delete(points, req.id)
			case opGetByID:
				if p, ok := points[req.id]; ok {
					resp.point = copyPoint(p)
					resp.found = true
				}
			case opClear:
				covered = covered[:0]
				points = make(map[int64]poi.Point)
			case opStats:
				resp.regions = len(covered)
				resp.stored = len(points)
			}
			req.reply <- resp
		}
	}
}

// mergeAll applies the tag-preservation rule: fresh copies win, but
// client-local underscore tags on the stored copy survive the overwrite.
func mergeAll(store map[int64]poi.Point, incoming []poi.Point) {
	for _, p := range incoming {
		if old, ok := store[p.ID]; ok {
			p.Tags = poi.MergeTags(old.Tags, p.Tags)
		} else if p.Tags != nil {
			p.Tags = poi.MergeTags(nil, p.Tags)
		}
		store[p.ID] = p
	}
}

// copyPoint deep-copies tags so callers can mutate results freely.
func copyPoint(p poi.Point) poi.Point {
	if p.Tags == nil {
		return p
	}
	tags := make(map[string]string, len(p.Tags))
	for k, v := range p.Tags {
		tags[k] = v
	}
	p.Tags = tags
	return p
}
