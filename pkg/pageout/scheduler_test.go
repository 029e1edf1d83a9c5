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
	"testing"
)

// TestSchedulerTickDesscanFormula reproduces the spec's scenario S3:
// lotsfree=4000, slowscan=500, fastscan=5000, freemem=2000, needfree=0,
// already calibrated. vavail=2000, desscan=(500*2000+5000*2000)/4000/4=687.
func TestSchedulerTickDesscanFormula(t *testing.T) {
	c, host := newTestCtx(t, 8000)
	forceCalibrated(c)

	th := c.Thresholds()
	th.Lotsfree = 4000
	th.Slowscan = 500
	th.Fastscan = 5000
	c.thresholds.Store(&th)

	host.freeMem = 2000
	host.needFree = 0
	host.deficit = 0

	c.schedulerTick()

	if got := c.scanBudget.Load(); got != 687 {
		t.Errorf("desscan = %d, want 687", got)
	}
}

// TestSchedulerTickLowMemoryWakesScanners checks that free memory below
// lotsfree+needfree always wakes the scanner pool (§4.B step 7, branch 1).
func TestSchedulerTickLowMemoryWakesScanners(t *testing.T) {
	c, host := newTestCtx(t, 8000)
	forceCalibrated(c)
	host.freeMem = 0
	host.needFree = 0

	c.schedulerTick()

	if c.stats.LowMemScan.Load() != 1 {
		t.Errorf("low_mem_scan kstat = %d, want 1", c.stats.LowMemScan.Load())
	}
}

// TestSchedulerTickZoneOverCapForcesFullSweep checks §4.B step 7 branch 2:
// a zone over its cap forces desscan to the full page count and latches
// zones_over for the decider's zone filter.
func TestSchedulerTickZoneOverCapForcesFullSweep(t *testing.T) {
	c, host := newTestCtx(t, 8000)
	forceCalibrated(c)
	host.freeMem = 8000 // plenty of free memory, so branch 1 does not fire
	host.needFree = 0
	host.zoneOverCap[7] = true

	c.schedulerTick()

	if !c.ZonesOver() {
		t.Errorf("zones_over not latched with a zone over its cap")
	}
	if got := c.scanBudget.Load(); got != host.TotalPages() {
		t.Errorf("desscan = %d, want full sweep %d", got, host.TotalPages())
	}
	if c.stats.ZoneCapScan.Load() != 1 {
		t.Errorf("zone_cap_scan kstat = %d, want 1", c.stats.ZoneCapScan.Load())
	}
}

// TestSchedulerTickCalmPeriodCoolsPoShare checks §4.B step 7's default
// branch: ample memory and no zone overcap signals the writeback queue
// and relaxes po_share instead of waking scanners.
func TestSchedulerTickCalmPeriodCoolsPoShare(t *testing.T) {
	c, host := newTestCtx(t, 8000)
	forceCalibrated(c)
	host.freeMem = 8000
	host.needFree = 0

	c.escalatePoShare()
	c.escalatePoShare()
	before := c.poShare()

	c.schedulerTick()

	if after := c.poShare(); after >= before {
		t.Errorf("po_share did not cool during a calm tick: before=%d after=%d", before, after)
	}
}

// TestResizeScannerPoolStaysWithinBounds exercises §4.B step 6: after a
// resize the published pool size lies in [1, MaxPscanThreads]. With
// DefaultTunables, Tunables.DesiredScanners (1) takes precedence over the
// Thresholds.DesiredScanners value set below, so the pool is not grown.
func TestResizeScannerPoolStaysWithinBounds(t *testing.T) {
	c, _ := newTestCtx(t, 8000)
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		cancel()
		c.Stop()
	}()

	th := c.Thresholds()
	th.DesiredScanners = MaxPscanThreads + 10
	th.Handspreadpages = 1

	c.resizeScannerPool(th, 8000)

	if got := c.CurrentScanners(); got > MaxPscanThreads {
		t.Errorf("current scanners = %d, want <= %d", got, MaxPscanThreads)
	}
	if got := c.CurrentScanners(); got < 1 {
		t.Errorf("current scanners = %d, want >= 1", got)
	}
}

func forceCalibrated(c *PageoutCtx) {
	c.sampleMu.Lock()
	c.sampleCount = int32(PageoutSampleLim)
	c.sampleMu.Unlock()
}
