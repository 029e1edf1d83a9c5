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
	"time"
)

// runScheduler is sched_paging (§4.B): a self-rearming 4 Hz timer that
// re-derives the next cycle's scan and CPU budgets from instantaneous
// memory pressure, resizes the scanner pool, and decides whether to wake
// the scanners or let the system idle.
func (c *PageoutCtx) runScheduler(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / SchedPagingHz)
	defer ticker.Stop()
	log.Debugf("sched_paging: online")
	defer log.Debugf("sched_paging: offline")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.schedulerTick()
		}
	}
}

// schedulerTick runs the nine steps of §4.B once.
func (c *PageoutCtx) schedulerTick() {
	host := c.host
	th := c.Thresholds()

	freemem := host.FreeMem()
	needfree := host.NeedFree()
	deficit := host.Deficit()

	// Step 1: memory-demand side effects, strictly before scan-budget
	// computation so their effect on freemem is not observed this tick.
	if freemem < th.Lotsfree+needfree+host.KmemReapahead() {
		host.KmemReap()
	}
	if freemem < th.Lotsfree+needfree {
		host.SegPreap()
	}
	if host.KcageOn() && host.KcageFreemem() < th.Lotsfree+host.KcageNeedfree() {
		host.KcageCageoutWakeup()
	}

	// Step 2.
	c.scannedSoFar.Store(0)

	calibrated := !c.calibrating()

	// Step 3.
	vavail := freemem - deficit
	if calibrated {
		vavail -= needfree
	}
	vavail = clampRange(vavail, 0, th.Lotsfree)

	// Step 4.
	var desscan int64
	if !calibrated && needfree > 0 {
		desscan = th.Fastscan / SchedPagingHz
	} else {
		lotsfree := maxI64(th.Lotsfree, 1)
		desscan = (th.Slowscan*vavail + th.Fastscan*(th.Lotsfree-vavail)) / lotsfree / SchedPagingHz
	}

	// Step 5.
	var pageoutNsec int64
	if !calibrated {
		pageoutNsec = th.MaxPageoutNsec
	} else {
		lotsfree := maxI64(th.Lotsfree, 1)
		pageoutNsec = th.MinPageoutNsec + (th.Lotsfree-vavail)*(th.MaxPageoutNsec-th.MinPageoutNsec)/lotsfree
	}

	// Step 6: scanner pool resize, gated on calibration completion.
	if calibrated {
		c.resizeScannerPool(th, host.TotalPages())
	}

	// Step 7: wake decision.
	zonesOver := false
	wake := false
	switch {
	case freemem < th.Lotsfree+needfree || !calibrated:
		wake = true
		c.stats.LowMemScan.Add(1)
	case host.ZoneNumOverCap() > 0:
		desscan = host.TotalPages()
		zonePageoutNsec := c.Overrides().ZonePageoutNsec
		if zonePageoutNsec <= 0 {
			zonePageoutNsec = th.MaxPageoutNsec
		}
		pageoutNsec = zonePageoutNsec
		zonesOver = true
		wake = true
		c.stats.ZoneCapScan.Add(1)
	default:
		c.signalWriteback()
		c.coolPoShare()
	}
	c.zonesOver.Store(zonesOver)

	c.scanBudget.Store(desscan)
	c.cpuBudgetNs.Store(pageoutNsec)

	if wake {
		c.stats.Pgrrun.Add(1)
		c.wakeScanners()
	}

	// Step 8.
	if host.KmemAvail() > 0 {
		c.broadcastMemavail()
	}

	// Step 9 (re-arm) happens implicitly: runScheduler's ticker fires again.
}

// resizeScannerPool implements §4.B step 6: clamp the desired scanner
// count, and if it differs from what is currently running, latch every
// reset_hand slot and spawn any newly added workers. Shrinking is
// cooperative -- excess workers exit the next time they consume their own
// reset_hand latch (§4.C step 2), so no worker is stopped here directly.
func (c *PageoutCtx) resizeScannerPool(th Thresholds, totalPages int64) {
	desired := c.Tunables().DesiredScanners
	if desired <= 0 {
		desired = th.DesiredScanners
	}

	maxAllowed := MaxPscanThreads
	if th.Handspreadpages > 0 {
		if byRegion := int(totalPages / th.Handspreadpages); byRegion < maxAllowed {
			maxAllowed = byRegion
		}
	}
	if maxAllowed < 1 {
		maxAllowed = 1
	}
	desired = int(clampRange(int64(desired), 1, int64(maxAllowed)))

	current := c.CurrentScanners()
	if desired == current {
		return
	}

	for i := 0; i < MaxPscanThreads; i++ {
		c.resetHand[i].Store(true)
	}
	c.currentScanners.Store(int32(desired))

	if desired > current {
		for inst := current; inst < desired; inst++ {
			c.spawnScanner(inst)
		}
	}
}
