// Package pipeline runs the per-venue analytics loop. It wires the sample
// sources into the track aggregator, drives ROI classification, the visit,
// queue and occupancy engines, and publishes the results to the live hub and
// the store writer. The pipeline does not own domain logic; it delegates to
// the engine packages and keeps all engine mutation on a single goroutine
// per venue.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-data/floorsight/internal/config"
	"github.com/kestrel-data/floorsight/internal/live"
	"github.com/kestrel-data/floorsight/internal/occupancy"
	"github.com/kestrel-data/floorsight/internal/queueing"
	"github.com/kestrel-data/floorsight/internal/roi"
	"github.com/kestrel-data/floorsight/internal/source"
	"github.com/kestrel-data/floorsight/internal/store"
	"github.com/kestrel-data/floorsight/internal/timeutil"
	"github.com/kestrel-data/floorsight/internal/track"
	"github.com/kestrel-data/floorsight/internal/visits"
)

// Broadcaster is the live fan-out surface the pipeline publishes to. The hub
// implements it; tests substitute a recorder.
type Broadcaster interface {
	BroadcastFrame(frame *track.Frame)
	BroadcastEvent(venueID, eventType string, tsMillis int64, data any)
}

// refreshStaleAfter is how old a venue's ROI snapshot may grow before the
// refresher re-pulls it without an explicit invalidate.
const refreshStaleAfter = 5 * time.Second

// ingestDropLogEvery throttles the ops log for ingest overflow. The counter
// itself is exact.
const ingestDropLogEvery = 1000

// statsLogInterval is how often an active venue writes its counter summary
// to the diag log. Venues with no new samples stay silent.
const statsLogInterval = time.Minute

// trackRemoved is the track_removed event payload.
type trackRemoved struct {
	Key                string `json:"key"`
	SensorID           string `json:"sensorId"`
	TrackID            string `json:"trackId"`
	LastSeenUnixMillis int64  `json:"lastSeenMs"`
}

// metricSource pairs the tracker (visits, avgTimeSpent) with the aggregator
// (velocity) behind the evaluator's tick interface.
type metricSource struct {
	tracker *occupancy.Tracker
	agg     *track.Aggregator
}

func (m metricSource) VisitsInWindow(roiID string, nowMillis int64) int {
	return m.tracker.VisitsInWindow(roiID, nowMillis)
}

func (m metricSource) AvgTimeSpentMs(roiID string, nowMillis int64) float64 {
	return m.tracker.AvgTimeSpentMs(roiID, nowMillis)
}

func (m metricSource) MeanSpeedInROI(roiID string) (float64, int) {
	return m.agg.MeanSpeedInROI(roiID)
}

type subscription struct {
	source source.Source
	id     string
}

// Venue is one running venue pipeline. The run goroutine is the sole writer
// of the engines; the refresher goroutine applies layout and rule reloads
// through the engines' own locks. Stats and CurrentOccupancy are safe from
// any goroutine.
type Venue struct {
	venueID string
	cfg     config.Config

	store *store.Store
	index *roi.Index
	hub   Broadcaster
	clock timeutil.Clock

	agg       *track.Aggregator
	visits    *visits.Engine
	queues    *queueing.Engine
	tracker   *occupancy.Tracker
	evaluator *occupancy.Evaluator
	writer    *store.Writer

	ingest     chan track.Sample
	invalidate chan struct{}

	subs  []subscription
	fwdWg sync.WaitGroup

	cancel        context.CancelFunc
	done          chan struct{}
	refresherDone chan struct{}

	ingestDropped atomic.Uint64
	framesOut     atomic.Uint64

	// Counters at the previous diag summary. Loop-owned.
	statsLastIn      int64
	statsLastDropped uint64
}

// VenueStats is the health view of one running venue.
type VenueStats struct {
	VenueID       string                `json:"venueId"`
	Tracks        int                   `json:"tracks"`
	Subscribers   int                   `json:"subscribers"`
	Static        bool                  `json:"static"`
	IngestDropped uint64                `json:"ingestDropped,omitempty"`
	FramesOut     uint64                `json:"framesOut"`
	Aggregator    track.AggregatorStats `json:"aggregator"`
	Visits        visits.EngineStats    `json:"visits"`
	Queueing      queueing.EngineStats  `json:"queueing"`
	Writer        store.WriterStats     `json:"writer"`
}

// startVenue builds the engine set for one venue, subscribes it to every
// source and starts the loop and refresher goroutines.
func startVenue(venueID string, mc ManagerConfig) *Venue {
	ctx, cancel := context.WithCancel(context.Background())
	v := &Venue{
		venueID:       venueID,
		cfg:           mc.Config,
		store:         mc.Store,
		index:         mc.Index,
		hub:           mc.Hub,
		clock:         mc.Clock,
		agg:           track.NewAggregator(venueID, mc.Config.TrackTTL(), mc.Clock),
		visits:        visits.NewEngine(venueID, mc.Thresholds),
		queues:        queueing.NewEngine(venueID, mc.Runtime),
		tracker:       occupancy.NewTracker(venueID),
		evaluator:     occupancy.NewEvaluator(venueID, mc.Runtime),
		writer:        store.NewWriter(mc.Store, venueID, 0),
		ingest:        make(chan track.Sample, mc.Config.IngestBufferSize),
		invalidate:    make(chan struct{}, 1),
		cancel:        cancel,
		done:          make(chan struct{}),
		refresherDone: make(chan struct{}),
	}

	for _, src := range mc.Sources {
		id, ch := src.Subscribe(venueID)
		v.subs = append(v.subs, subscription{source: src, id: id})
		v.fwdWg.Add(1)
		go v.forward(ch)
	}

	go v.refresher(ctx)
	go v.run(ctx)

	opsf("[%s] venue pipeline started", venueID)
	v.writer.Enqueue(store.OpAppendLedger(store.LedgerEntry{
		VenueID:      venueID,
		Category:     store.LedgerVenueStarted,
		Message:      "venue pipeline started",
		TSUnixMillis: v.clock.Now().UnixMilli(),
	}))
	return v
}

// stop unsubscribes from the sources, drains the loop and flushes the
// writer. Blocks until the final frame has been published.
func (v *Venue) stop() {
	for _, sub := range v.subs {
		sub.source.Unsubscribe(v.venueID, sub.id)
	}
	v.fwdWg.Wait()
	v.cancel()
	<-v.refresherDone
	<-v.done
	opsf("[%s] venue pipeline stopped", v.venueID)
}

// forward moves one source subscription into the bounded ingest queue. Runs
// until the source closes the channel on Unsubscribe.
func (v *Venue) forward(ch <-chan track.Sample) {
	defer v.fwdWg.Done()
	for s := range ch {
		v.offer(s)
	}
}

// offer enqueues a sample, evicting the oldest queued sample on overflow so
// the freshest data survives a stall.
func (v *Venue) offer(s track.Sample) {
	for {
		select {
		case v.ingest <- s:
			return
		default:
		}
		select {
		case <-v.ingest:
			if n := v.ingestDropped.Add(1); n == 1 || n%ingestDropLogEvery == 0 {
				opsf("[%s] ingest queue full: %d samples dropped", v.venueID, n)
			}
		default:
		}
	}
}

// Invalidate asks the refresher to re-pull layout and rules. Non-blocking; a
// refresh already pending absorbs the signal.
func (v *Venue) Invalidate() {
	select {
	case v.invalidate <- struct{}{}:
	default:
	}
}

// CurrentOccupancy returns one snapshot per ROI at the current instant,
// zeros included. Used to prime new live subscribers.
func (v *Venue) CurrentOccupancy() []occupancy.Snapshot {
	return v.tracker.Snapshots(v.roiIDs(), v.clock.Now().UnixMilli())
}

// LaneStats returns the live queue lane statistics.
func (v *Venue) LaneStats() []queueing.LaneStats {
	return v.queues.LaneStats(v.clock.Now().UnixMilli())
}

// OpenVisits returns the venue's currently active visits.
func (v *Venue) OpenVisits() []visits.Visit {
	return v.visits.OpenVisits()
}

func (v *Venue) roiIDs() []string {
	snap := v.index.Snapshot(v.venueID)
	if snap == nil {
		return nil
	}
	ids := make([]string, 0, len(snap.ROIs))
	for _, r := range snap.ROIs {
		ids = append(ids, r.ID)
	}
	return ids
}

func (v *Venue) stats(subscribers int, static bool) VenueStats {
	return VenueStats{
		VenueID:       v.venueID,
		Tracks:        v.agg.TrackCount(),
		Subscribers:   subscribers,
		Static:        static,
		IngestDropped: v.ingestDropped.Load(),
		FramesOut:     v.framesOut.Load(),
		Aggregator:    v.agg.Stats(),
		Visits:        v.visits.Stats(),
		Queueing:      v.queues.Stats(),
		Writer:        v.writer.Stats(),
	}
}

// logStats writes the venue's counter summary to the diag log, skipping
// intervals in which nothing arrived.
func (v *Venue) logStats() {
	a := v.agg.Stats()
	dropped := v.ingestDropped.Load()
	if a.SamplesIn == v.statsLastIn && dropped == v.statsLastDropped {
		return
	}
	v.statsLastIn = a.SamplesIn
	v.statsLastDropped = dropped

	diagf("[%s] %d samples in (%d stale, %d dropped), tracks %d live / %d created / %d evicted, %d frames out",
		v.venueID, a.SamplesIn, a.SamplesStale, dropped,
		a.TracksLive, a.TracksCreated, a.TracksEvicted, v.framesOut.Load())
}

// run is the venue loop. Wall clock tickers schedule eviction, frames and
// occupancy snapshots; everything derived from samples runs on the samples'
// own timestamps.
func (v *Venue) run(ctx context.Context) {
	defer close(v.done)

	frames := v.clock.NewTicker(v.cfg.FrameInterval())
	defer frames.Stop()
	snapshots := v.clock.NewTicker(v.cfg.SnapshotInterval())
	defer snapshots.Stop()
	statsLog := v.clock.NewTicker(statsLogInterval)
	defer statsLog.Stop()

	for {
		select {
		case s := <-v.ingest:
			v.process(ctx, s)
		case <-frames.C():
			v.tick(ctx)
		case <-snapshots.C():
			v.snapshot()
		case <-statsLog.C():
			v.logStats()
		case <-ctx.Done():
			v.shutdown()
			return
		}
	}
}

// process feeds one sample through classification, the aggregator and the
// session engines, then enqueues the resulting rows as a single transaction.
func (v *Venue) process(ctx context.Context, s track.Sample) {
	roiSet := v.index.Classify(v.venueID, s.X, s.Z)
	obs, ok := v.agg.Ingest(s, roiSet)
	if !ok {
		return // stale sample, counter only
	}
	if obs.Created {
		tracef("[%s] track %s created at (%.2f, %.2f)", v.venueID, obs.Key, obs.X, obs.Z)
	}

	var ops []store.Op
	ops = v.applyVisitEvents(ctx, v.visits.Observe(ctx, obs), ops)
	ops = v.applyQueueEvents(v.queues.Observe(obs), ops)
	v.writer.Enqueue(ops...)
}

// applyVisitEvents runs one batch of visit transitions through occupancy,
// queueing and alerting, broadcasts them and collects their persistence ops.
func (v *Venue) applyVisitEvents(ctx context.Context, events []visits.Event, ops []store.Op) []store.Op {
	for _, ev := range events {
		occ := v.tracker.OnVisitEvent(ev)
		ops = append(ops, store.OpUpsertVisit(ev.Visit))
		v.hub.BroadcastEvent(v.venueID, string(ev.Type), ev.TSUnixMillis, ev.Visit)

		ops = v.applyQueueEvents(v.queues.OnVisitEvent(ev), ops)

		alerts := v.evaluator.OnOccupancyChange(ev.Visit.RoiID, occ, ev.TSUnixMillis)
		if ev.Type == visits.EventVisitClosed {
			alerts = append(alerts, v.evaluator.OnVisitClosed(ev.Visit, ev.TSUnixMillis)...)
		}
		ops = v.applyAlerts(alerts, ops)
	}
	return ops
}

func (v *Venue) applyQueueEvents(events []queueing.Event, ops []store.Op) []store.Op {
	for _, ev := range events {
		ops = append(ops, store.OpUpsertQueueSession(ev.Session))
		v.hub.BroadcastEvent(v.venueID, string(ev.Type), ev.TSUnixMillis, ev.Session)
	}
	return ops
}

func (v *Venue) applyAlerts(alerts []occupancy.Alert, ops []store.Op) []store.Op {
	for _, a := range alerts {
		opsf("[%s] alert: %s", v.venueID, a.Message())
		details, err := json.Marshal(a)
		if err != nil {
			details = nil
		}
		ops = append(ops, store.OpAppendLedger(store.LedgerEntry{
			VenueID:      v.venueID,
			Category:     store.LedgerAlertTriggered,
			Severity:     store.SeverityWarning,
			Message:      a.Message(),
			Details:      details,
			TSUnixMillis: a.TSUnixMillis,
		}))
		v.hub.BroadcastEvent(v.venueID, live.EventAlert, a.TSUnixMillis, a)
	}
	return ops
}

// tick evicts idle tracks and publishes the frame snapshot. Runs on every
// frame interval regardless of traffic so empty venues still emit frames.
func (v *Venue) tick(ctx context.Context) {
	for _, t := range v.agg.EvictExpired() {
		diagf("[%s] evicting track %s (last seen %d)", v.venueID, t.Key, t.LastSeenUnixMillis)

		var ops []store.Op
		ops = v.applyVisitEvents(ctx, v.visits.EvictTrack(ctx, t.Key), ops)
		ops = v.applyQueueEvents(v.queues.EvictTrack(t.Key, t.LastSeenUnixMillis), ops)
		v.writer.Enqueue(ops...)

		v.hub.BroadcastEvent(v.venueID, live.EventTrackRemoved, t.LastSeenUnixMillis, trackRemoved{
			Key:                t.Key,
			SensorID:           t.SensorID,
			TrackID:            t.TrackID,
			LastSeenUnixMillis: t.LastSeenUnixMillis,
		})
	}

	frame := v.agg.Snapshot(v.clock.Now().UnixMilli(), v.ingestDropped.Load())
	v.hub.BroadcastFrame(&frame)
	v.framesOut.Add(1)
}

// snapshot persists one occupancy row per ROI (zeros included), broadcasts
// the occupancy event and evaluates the windowed alert metrics.
func (v *Venue) snapshot() {
	now := v.clock.Now().UnixMilli()

	var ops []store.Op
	snaps := v.tracker.Snapshots(v.roiIDs(), now)
	if len(snaps) > 0 {
		ops = append(ops, store.OpInsertSnapshots(snaps))
		v.hub.BroadcastEvent(v.venueID, live.EventOccupancy, now, snaps)
	}

	alerts := v.evaluator.OnTick(metricSource{tracker: v.tracker, agg: v.agg}, now)
	ops = v.applyAlerts(alerts, ops)
	v.writer.Enqueue(ops...)
}

// shutdown drains the ingest queue, closes every open visit and session at
// its last sample timestamp, publishes a final frame and flushes the writer.
func (v *Venue) shutdown() {
	ctx := context.Background()

drain:
	for {
		select {
		case s := <-v.ingest:
			v.process(ctx, s)
		default:
			break drain
		}
	}

	var ops []store.Op
	ops = v.applyVisitEvents(ctx, v.visits.CloseAll(ctx), ops)

	now := v.clock.Now().UnixMilli()
	ops = v.applyQueueEvents(v.queues.StopAll(now), ops)
	ops = append(ops, store.OpAppendLedger(store.LedgerEntry{
		VenueID:      v.venueID,
		Category:     store.LedgerVenueStopped,
		Message:      "venue pipeline stopped",
		TSUnixMillis: now,
	}))
	v.writer.Enqueue(ops...)

	frame := v.agg.Snapshot(now, v.ingestDropped.Load())
	v.hub.BroadcastFrame(&frame)
	v.framesOut.Add(1)

	v.writer.Close()
}

// refresher owns the venue's layout reloads: an initial pull at start, then
// explicit invalidates and a staleness recheck. Refreshing runs outside the
// venue loop so classification never blocks on the store.
func (v *Venue) refresher(ctx context.Context) {
	defer close(v.refresherDone)

	v.refresh(ctx)

	ticker := v.clock.NewTicker(refreshStaleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.invalidate:
			v.refresh(ctx)
		case <-ticker.C():
			if v.index.Age(v.venueID) >= refreshStaleAfter {
				v.refresh(ctx)
			}
		}
	}
}

// refresh rebuilds the ROI snapshot and pushes the derived layout into the
// queue engine, occupancy tracker and alert evaluator. Failures keep the
// previous state; the venue keeps running on what it has.
func (v *Venue) refresh(ctx context.Context) {
	snap, err := v.index.Refresh(ctx, v.venueID)
	if err != nil {
		opsf("[%s] roi refresh failed: %v", v.venueID, err)
		return
	}
	links, err := v.store.ListZoneLinks(ctx, v.venueID)
	if err != nil {
		opsf("[%s] zone link load failed: %v", v.venueID, err)
		return
	}

	rois := make([]roi.ROI, 0, len(snap.ROIs))
	keep := make(map[string]bool, len(snap.ROIs))
	for _, r := range snap.ROIs {
		rois = append(rois, r.ROI)
		keep[r.ID] = true
	}
	v.queues.SetLayout(rois, links)
	v.tracker.Reset(func(roiID string) bool { return keep[roiID] })

	rules, err := v.store.ListAlertRules(ctx, v.venueID)
	if err != nil {
		opsf("[%s] alert rule load failed: %v", v.venueID, err)
	} else {
		v.evaluator.SetRules(rules)
	}

	diagf("[%s] layout refreshed: %d rois, %d links, %d rules", v.venueID, len(rois), len(links), len(rules))
}
