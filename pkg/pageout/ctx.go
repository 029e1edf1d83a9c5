// Copyright 2021 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pageout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// PageoutCtx is the process-wide handle that owns every piece of shared
// pageout state: thresholds, po_share, zones_over, the scanner pool and
// its wake condition, the writeback queue, and the deadman. Exactly one
// PageoutCtx exists per running system, mirroring the single global state
// the original subsystem keeps (§9's "retain as process-wide cell state").
//
// Per-cycle budgets are published by the single scheduler goroutine through
// atomics. Thresholds are published through an atomic.Pointer by New, by
// scanner instance 0 when calibration completes, and by RecalcThresholds.
// Scanner workers read both without additional locking and tolerate up to
// one cycle of staleness, exactly as §5 specifies.
type PageoutCtx struct {
	host Host

	tunablesMu sync.Mutex
	tunables   Tunables
	overrides  Overrides // sticky snapshot, recorded at boot

	thresholds atomic.Pointer[Thresholds]

	pageoutMutex sync.Mutex // guards poShare only, per §5
	poShareVal   int64

	zonesOver       atomic.Bool
	scanBudget      atomic.Int64
	cpuBudgetNs     atomic.Int64
	scannedSoFar    atomic.Int64
	currentScanners atomic.Int32
	dopageout       atomic.Bool

	resetHand [MaxPscanThreads]atomic.Bool

	sampleMu      sync.Mutex
	samplePages   int64
	sampleEtimeNs int64
	sampleCount   int32

	pageoutRate      atomic.Int64
	pageoutNewSpread atomic.Int64

	wakeMu   sync.Mutex
	wakeCond *sync.Cond

	memavailMu   sync.Mutex
	memavailCond *sync.Cond

	wb      *writebackQueue
	stats   *Stats
	deadman *deadmanState

	eg       *errgroup.Group
	egCtx    context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
}

// New constructs a PageoutCtx bound to host, validates tunables, and runs
// the boot-time threshold calculation (§4.A: "once at boot"). It does not
// start any goroutines; call Start for that.
func New(host Host, tunables Tunables) (*PageoutCtx, error) {
	if host == nil {
		return nil, fmt.Errorf("pageout: nil Host")
	}
	if err := tunables.Validate(); err != nil {
		return nil, err
	}
	c := &PageoutCtx{
		host:      host,
		tunables:  tunables,
		overrides: tunables.Overrides,
		stats:     newStats(),
	}
	c.wakeCond = sync.NewCond(&c.wakeMu)
	c.memavailCond = sync.NewCond(&c.memavailMu)
	c.poShareVal = MinPoShare
	c.dopageout.Store(tunables.Dopageout)
	c.currentScanners.Store(1)
	c.resetHand[0].Store(true)

	size := tunables.AsyncListSize
	if size <= 0 {
		size = AsyncListSize
	}
	c.wb = newWritebackQueue(size)
	c.deadman = newDeadmanState()

	th := SetupClock(host.TotalPages(), c.overrides, c.tunables, true, 0)
	c.thresholds.Store(&th)

	return c, nil
}

// Thresholds returns the most recently published threshold snapshot. Safe
// for concurrent use; callers may observe a value up to one scheduler
// cycle stale.
func (c *PageoutCtx) Thresholds() Thresholds {
	if p := c.thresholds.Load(); p != nil {
		return *p
	}
	return Thresholds{}
}

// Overrides returns the sticky operator-override snapshot currently in
// effect (§4.A: "re-derive from the snapshot so user overrides are never
// lost").
func (c *PageoutCtx) Overrides() Overrides {
	c.tunablesMu.Lock()
	defer c.tunablesMu.Unlock()
	return c.overrides
}

// Tunables returns a copy of the current tunables.
func (c *PageoutCtx) Tunables() Tunables {
	c.tunablesMu.Lock()
	defer c.tunablesMu.Unlock()
	return c.tunables
}

// SetTunables patches the live tunables and their override snapshot. The
// new values take effect on the scheduler's next tick; scanner pool
// resizing still only happens once calibration has completed (§4.B step
// 6). Concurrent operator writes (e.g. two prompt sessions) are not
// serialized against each other beyond this single mutex -- racing writers
// is the operator's responsibility (§9 open question on des_page_scanners).
func (c *PageoutCtx) SetTunables(t Tunables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.tunablesMu.Lock()
	c.tunables = t
	c.overrides = t.Overrides
	c.tunablesMu.Unlock()
	c.dopageout.Store(t.Dopageout)
	return nil
}

// Dopageout reports the current state of the operator kill switch.
func (c *PageoutCtx) Dopageout() bool { return c.dopageout.Load() }

// Stats returns the kstat counters (§6).
func (c *PageoutCtx) Stats() *Stats { return c.stats }

// poShare returns the current share-count eligibility threshold.
func (c *PageoutCtx) poShare() int64 {
	c.pageoutMutex.Lock()
	defer c.pageoutMutex.Unlock()
	return c.poShareVal
}

// coolPoShare halves po_share toward MinPoShare (calm-period relaxation,
// §4.B step 7).
func (c *PageoutCtx) coolPoShare() {
	c.pageoutMutex.Lock()
	defer c.pageoutMutex.Unlock()
	c.poShareVal /= 2
	if c.poShareVal < MinPoShare {
		c.poShareVal = MinPoShare
	}
}

// escalatePoShare doubles po_share toward MaxPoShare (wrap-around pressure
// escalation, §4.C step 4). Returns true if po_share was already at the
// ceiling before this call.
func (c *PageoutCtx) escalatePoShare() (atMax bool) {
	c.pageoutMutex.Lock()
	defer c.pageoutMutex.Unlock()
	if c.poShareVal >= MaxPoShare {
		return true
	}
	c.poShareVal *= 2
	if c.poShareVal > MaxPoShare {
		c.poShareVal = MaxPoShare
	}
	return false
}

// ZonesOver reports whether the scheduler has latched zones-over-cap
// reclaim mode for the current cycle.
func (c *PageoutCtx) ZonesOver() bool { return c.zonesOver.Load() }

// CurrentScanners returns the published scanner pool size.
func (c *PageoutCtx) CurrentScanners() int { return int(c.currentScanners.Load()) }

// NScan returns the cumulative count of non-ineligible page examinations.
func (c *PageoutCtx) NScan() uint64 { return c.stats.Scan.Load() }

// Start launches the scheduler, the scanner pool, the writeback master and
// the deadman as goroutines under parent. It returns once every goroutine
// has been spawned (not once they have produced output).
func (c *PageoutCtx) Start(parent context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pageout: already started")
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	eg, egCtx := errgroup.WithContext(ctx)
	c.eg = eg
	c.egCtx = egCtx

	// Broadcast every condition variable once the context is canceled so
	// blocked goroutines wake up and observe shutdown instead of hanging
	// forever in Cond.Wait.
	go c.broadcastOnDone(egCtx, &c.wakeMu, c.wakeCond)
	go c.broadcastOnDone(egCtx, &c.memavailMu, c.memavailCond)
	go c.broadcastOnDone(egCtx, &c.wb.mu, c.wb.cond)

	eg.Go(func() error { return c.runScheduler(egCtx) })
	eg.Go(func() error { return c.wb.runMaster(egCtx, c.host, c) })
	eg.Go(func() error { return c.runDeadman(egCtx) })

	eg.Go(func() error { return newScannerWorker(c, 0).run(egCtx) })

	return nil
}

// Stop cancels every pageout goroutine and waits for them to exit.
func (c *PageoutCtx) Stop() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	return c.eg.Wait()
}

func (c *PageoutCtx) broadcastOnDone(ctx context.Context, mu *sync.Mutex, cond *sync.Cond) {
	<-ctx.Done()
	mu.Lock()
	cond.Broadcast()
	mu.Unlock()
}

// spawnScanner adds worker inst to the running pool. Called by the
// scheduler when growing the pool (§4.B step 6).
func (c *PageoutCtx) spawnScanner(inst int) {
	c.eg.Go(func() error { return newScannerWorker(c, inst).run(c.egCtx) })
}

// wakeScanners broadcasts the scanner wake condition (§4.B step 7).
func (c *PageoutCtx) wakeScanners() {
	c.wakeMu.Lock()
	c.wakeCond.Broadcast()
	c.wakeMu.Unlock()
}

// signalWriteback broadcasts push_cv (§4.B step 7, calm-period drain
// heartbeat). queueIoRequest broadcasts the same condition itself on
// freelist exhaustion.
func (c *PageoutCtx) signalWriteback() {
	c.wb.mu.Lock()
	c.wb.cond.Broadcast()
	c.wb.mu.Unlock()
}

// broadcastMemavail signals external waiters for memory (§4.B step 8).
func (c *PageoutCtx) broadcastMemavail() {
	c.memavailMu.Lock()
	c.memavailCond.Broadcast()
	c.memavailMu.Unlock()
}

// RecalcThresholds re-derives Thresholds from the sticky override
// snapshot without touching the calibration-measured spread. Call this
// when the host reports memory has been hot-added or hot-removed (§4.A:
// thresholds are recomputed "whenever calibration completes or memory is
// hot-added/removed").
func (c *PageoutCtx) RecalcThresholds() {
	spread := c.pageoutNewSpread.Load()
	th := SetupClock(c.host.TotalPages(), c.Overrides(), c.Tunables(), false, spread)
	c.thresholds.Store(&th)
}

// calibrating reports whether instance 0 is still sampling scan
// throughput (§3 Calibration state: "only touched while sample_count <
// sample_limit").
func (c *PageoutCtx) calibrating() bool {
	limit := c.Tunables().PageoutSampleLim
	if limit <= 0 {
		limit = PageoutSampleLim
	}
	c.sampleMu.Lock()
	defer c.sampleMu.Unlock()
	return c.sampleCount < int32(limit)
}
