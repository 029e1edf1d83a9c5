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

// Thresholds holds every derived reclaim threshold and scanner-sizing
// value computed by SetupClock (§4.A). Fields are exported so the prompt
// and the metrics exposition can read them without a copy of the math.
type Thresholds struct {
	LotsfreeMax  int64
	LotsfreeMin  int64
	Lotsfree     int64
	Desfree      int64
	Minfree      int64
	Throttlefree int64

	PageoutReserve int64
	Maxpgio        int64

	Fastscan        int64
	Slowscan        int64
	MaxFastscan     int64
	Handspreadpages int64

	MinPageoutNsec int64
	MaxPageoutNsec int64

	RegionSizePages int64
	DesiredScanners int
}

// applyOverride implements the "0 means default; >= ceiling also collapses
// to default; otherwise honored verbatim" policy from §4.A. ceiling <= 0
// means "no ceiling" (maxpgio has none).
func applyOverride(override, ceiling, def int64) int64 {
	if override == 0 {
		return def
	}
	if ceiling > 0 && override >= ceiling {
		return def
	}
	return override
}

func clampRange(v, lo, hi int64) int64 {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// SetupClock derives Thresholds from the total pageable page count and the
// sticky operator-override snapshot. It is called once at boot (boot is
// true, forcing DesiredScanners to 1 regardless of sizing) and again every
// time calibration completes or memory is hot-added/removed (boot is
// false).
//
// measuredMaxFastscan is the self-calibration result (0 if calibration has
// not completed yet): pageout_rate/10, i.e. pageout_new_spread, from
// scanner instance 0's sample bookkeeping. An explicit operator
// MaxFastscan override always wins over the measured value.
func SetupClock(totalPages int64, ov Overrides, tunables Tunables, boot bool, measuredMaxFastscan int64) Thresholds {
	t := Thresholds{}
	T := totalPages
	if T < 1 {
		T = 1
	}

	t.LotsfreeMax = clampRange(applyOverride(ov.LotsfreeMax, T, defaultLotsfreeMaxPages()), 0, T)
	t.LotsfreeMin = clampRange(applyOverride(ov.LotsfreeMin, t.LotsfreeMax, defaultLotsfreeMinPages()), 0, t.LotsfreeMax)

	fraction := tunables.LotsfreeFraction
	if fraction <= 0 {
		fraction = LotsfreeFraction
	}
	lotsfreeDefault := clampRange(T/fraction, t.LotsfreeMin, t.LotsfreeMax)
	t.Lotsfree = clampRange(applyOverride(ov.Lotsfree, T, lotsfreeDefault), 0, T)

	t.Desfree = applyOverride(ov.Desfree, t.Lotsfree, t.Lotsfree/2)

	var minfreeDefault int64
	var reserveDividend int64 // used below for pageout_reserve base
	if tunables.PageoutThresholdStyle == 1 {
		minfreeDefault = t.Desfree / 2
	} else {
		minfreeDefault = (3 * t.Desfree) / 4
	}
	t.Minfree = applyOverride(ov.Minfree, t.Desfree, minfreeDefault)

	t.Throttlefree = applyOverride(ov.Throttlefree, t.Minfree, t.Minfree)

	if tunables.PageoutThresholdStyle == 1 {
		reserveDividend = t.Throttlefree / 2
	} else {
		reserveDividend = (3 * t.Throttlefree) / 4
	}
	t.PageoutReserve = applyOverride(ov.PageoutReserve, t.Throttlefree, reserveDividend)

	diskRPM := tunables.DiskRPM
	maxpgioDefault := (diskRPM * 2) / 3
	t.Maxpgio = applyOverride(ov.Maxpgio, 0, maxpgioDefault)

	maxFastscan := ov.MaxFastscan
	if maxFastscan == 0 {
		maxFastscan = measuredMaxFastscan
	}
	t.MaxFastscan = maxFastscan
	if maxFastscan > 0 {
		t.Fastscan = minI64(T/2, maxFastscan)
	} else {
		// Not yet calibrated and no operator override: run uncapped
		// upward, bounded only by T/2.
		t.Fastscan = T / 2
	}
	if t.Fastscan < 1 {
		t.Fastscan = 1
	}

	maxSlowscan := tunables.MaxSlowscan
	if maxSlowscan <= 0 {
		maxSlowscan = MaxSlowscan
	}
	t.Slowscan = minI64(minI64(t.Fastscan/10, maxSlowscan), t.Fastscan/2)
	if t.Slowscan < 0 {
		t.Slowscan = 0
	}

	hs := ov.Handspreadpages
	if hs == 0 {
		hs = t.Fastscan
	}
	hs = minI64(hs, maxHandspreadPages())
	hs = clampRange(hs, 1, T-1)
	if T-1 < 1 {
		hs = 1
	}
	t.Handspreadpages = hs

	minPct := tunables.MinPercentCPU
	if minPct <= 0 {
		minPct = MinPercentCPU
	}
	maxPct := tunables.MaxPercentCPU
	if maxPct <= 0 {
		maxPct = MaxPercentCPU
	}
	const nsPerSecond = int64(1_000_000_000)
	cycleNs := nsPerSecond / SchedPagingHz
	t.MinPageoutNsec = (cycleNs * minPct) / 100
	t.MaxPageoutNsec = (cycleNs * maxPct) / 100
	if t.MaxPageoutNsec < t.MinPageoutNsec {
		t.MaxPageoutNsec = t.MinPageoutNsec
	}

	regionSize := maxI64(defaultRegionSizePages(), 2*t.Handspreadpages)
	regionSize = clampRange(regionSize, 1, T)
	t.RegionSizePages = regionSize

	if boot {
		t.DesiredScanners = 1
	} else {
		desired := int(ceilDiv(T, regionSize))
		if desired < 1 {
			desired = 1
		}
		if desired > MaxPscanThreads {
			desired = MaxPscanThreads
		}
		t.DesiredScanners = desired
	}

	return t
}
