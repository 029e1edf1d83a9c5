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

import "context"

// scannerWorker is one instance of pageout_scanner (§4.C): a front and a
// back hand, handspreadpages apart, walking the circular page array.
type scannerWorker struct {
	inst  int
	ctx   *PageoutCtx
	front PageRef
	back  PageRef
	count int
}

func newScannerWorker(c *PageoutCtx, inst int) *scannerWorker {
	return &scannerWorker{inst: inst, ctx: c}
}

// run is the worker's wait/scan loop. It returns nil both on shutdown and
// on a graceful demotion-triggered exit (§4.C step 2): neither is an
// error, so sibling workers are unaffected.
func (w *scannerWorker) run(egCtx context.Context) error {
	c := w.ctx
	log.Debugf("pageout_scanner[%d]: online", w.inst)
	defer log.Debugf("pageout_scanner[%d]: offline", w.inst)
	for {
		c.wakeMu.Lock()
		c.wakeCond.Wait()
		c.wakeMu.Unlock()

		if egCtx.Err() != nil {
			return nil
		}
		if !c.Dopageout() {
			continue
		}

		if c.resetHand[w.inst].CompareAndSwap(true, false) {
			if w.inst >= c.CurrentScanners() {
				return nil
			}
			w.repositionHands()
		}

		w.scanOnce()
	}
}

func (w *scannerWorker) repositionHands() {
	c := w.ctx
	th := c.Thresholds()
	T := c.host.TotalPages()
	scanners := c.CurrentScanners()
	if scanners < 1 {
		scanners = 1
	}
	offset := T / int64(scanners)
	first := c.host.PageFirst()
	w.back = c.host.PageNextN(first, offset*int64(w.inst))
	spread := th.Handspreadpages
	if spread > T-1 {
		spread = T - 1
	}
	if spread < 0 {
		spread = 0
	}
	w.front = c.host.PageNextN(w.back, spread)
}

// scanOnce is one wake's worth of scanning: §4.C steps 3-6.
func (w *scannerWorker) scanOnce() {
	c := w.ctx
	host := c.host
	th := c.Thresholds()
	calibrating := c.calibrating()

	sampleStart := host.NowNS()
	pcount := int64(0)
	nscanCnt := int64(0)
	var nscanLimit int64
	if calibrating {
		nscanLimit = host.TotalPages()
	} else {
		nscanLimit = c.scanBudget.Load()
	}
	cpuBudget := c.cpuBudgetNs.Load()

	wraps := 0
	first := host.PageFirst()

	for nscanCnt < nscanLimit && (c.ZonesOver() || host.FreeMem() < th.Lotsfree+host.NeedFree() || calibrating) {
		if pcount&PagesPollMask == 0 && pcount > 0 {
			if host.NowNS()-sampleStart >= cpuBudget {
				if !c.ZonesOver() {
					c.stats.PageoutTimeouts.Add(1)
				}
				break
			}
		}

		rvf := c.checkPage(w.front, HandFront)
		if rvf == VerdictFreed {
			w.count = 0
		}
		rvb := c.checkPage(w.back, HandBack)
		if rvb == VerdictFreed {
			w.count = 0
		}
		pcount++
		if rvf != VerdictIneligible || rvb != VerdictIneligible {
			nscanCnt++
		}

		w.front = host.PageNext(w.front)
		w.back = host.PageNext(w.back)

		if w.front == first {
			wraps++
			c.stats.Rev.Add(1)
			if wraps%PageoutResetCnt == 0 {
				c.resetHand[w.inst].Store(true)
			}
			lowMem := host.FreeMem() < th.Lotsfree+host.NeedFree()
			if lowMem && wraps >= 2 {
				if atMax := c.escalatePoShare(); atMax {
					break
				}
			}
		}
	}

	c.stats.Scan.Add(uint64(nscanCnt))
	c.scannedSoFar.Add(nscanCnt)

	if w.inst == 0 {
		w.bookkeepCalibration(pcount, host.NowNS()-sampleStart, calibrating)
	}
}

// bookkeepCalibration accumulates sampled scan throughput while
// calibrating, and derives pageout_new_spread exactly once after the
// sample limit is reached (§4.C step 6).
func (w *scannerWorker) bookkeepCalibration(pcount, elapsedNs int64, wasCalibrating bool) {
	c := w.ctx
	if wasCalibrating {
		c.sampleMu.Lock()
		c.samplePages += pcount
		c.sampleEtimeNs += elapsedNs
		c.sampleCount++
		samplePages, sampleEtime := c.samplePages, c.sampleEtimeNs
		c.sampleMu.Unlock()
		log.Debugf("pageout_scanner[0]: calibration sample pages=%d etime=%dns", samplePages, sampleEtime)
		return
	}
	if c.pageoutNewSpread.Load() != 0 {
		return
	}
	c.sampleMu.Lock()
	samplePages, sampleEtime := c.samplePages, c.sampleEtimeNs
	c.sampleMu.Unlock()
	if sampleEtime <= 0 {
		return
	}
	rate := samplePages * 1_000_000_000 / sampleEtime
	spread := rate / 10
	if spread < 1 {
		spread = 1
	}
	c.pageoutRate.Store(rate)
	c.pageoutNewSpread.Store(spread)

	th := SetupClock(c.host.TotalPages(), c.Overrides(), c.Tunables(), false, spread)
	c.thresholds.Store(&th)
	log.Infof("pageout: calibration complete, rate=%d pages/s maxfastscan=%d", rate, spread)
}
