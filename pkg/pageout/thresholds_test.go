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

import "testing"

// TestThresholdChainInvariant checks the §8 invariant
// pageout_reserve <= throttlefree <= minfree <= desfree <= lotsfree <= T
// across a spread of total-page counts and override combinations.
func TestThresholdChainInvariant(t *testing.T) {
	tcases := []struct {
		name  string
		total int64
		ov    Overrides
	}{
		{name: "tiny host, no overrides", total: 64, ov: Overrides{}},
		{name: "1 GiB worth of 4 KiB pages, no overrides", total: 262144, ov: Overrides{}},
		{name: "64 GiB host, no overrides", total: 262144 * 64, ov: Overrides{}},
		{
			name:  "honored override within range",
			total: 262144,
			ov:    Overrides{Lotsfree: 1000, Desfree: 500, Minfree: 200, Throttlefree: 100, PageoutReserve: 50},
		},
		{
			name:  "zero overrides collapse to default",
			total: 262144,
			ov:    Overrides{Lotsfree: 0, Desfree: 0},
		},
		{
			name:  "override at or above its ceiling collapses to default",
			total: 262144,
			ov:    Overrides{Desfree: 999999999},
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			th := SetupClock(tc.total, tc.ov, DefaultTunables(), false, 0)
			if th.PageoutReserve > th.Throttlefree {
				t.Errorf("pageout_reserve %d > throttlefree %d", th.PageoutReserve, th.Throttlefree)
			}
			if th.Throttlefree > th.Minfree {
				t.Errorf("throttlefree %d > minfree %d", th.Throttlefree, th.Minfree)
			}
			if th.Minfree > th.Desfree {
				t.Errorf("minfree %d > desfree %d", th.Minfree, th.Desfree)
			}
			if th.Desfree > th.Lotsfree {
				t.Errorf("desfree %d > lotsfree %d", th.Desfree, th.Lotsfree)
			}
			if th.Lotsfree > tc.total {
				t.Errorf("lotsfree %d > total pages %d", th.Lotsfree, tc.total)
			}
		})
	}
}

func TestSetupClockOverrideAtCeilingCollapsesToDefault(t *testing.T) {
	const total = int64(262144)
	base := SetupClock(total, Overrides{}, DefaultTunables(), false, 0)
	withCeilingOverride := SetupClock(total, Overrides{Desfree: base.Lotsfree}, DefaultTunables(), false, 0)
	if withCeilingOverride.Desfree != base.Desfree {
		t.Errorf("desfree override == ceiling: got %d, want collapse to default %d",
			withCeilingOverride.Desfree, base.Desfree)
	}
}

func TestSetupClockHonoredOverrideIsVerbatim(t *testing.T) {
	const total = int64(262144)
	th := SetupClock(total, Overrides{Lotsfree: 1234}, DefaultTunables(), false, 0)
	if th.Lotsfree != 1234 {
		t.Errorf("lotsfree override: got %d, want 1234", th.Lotsfree)
	}
}

func TestSetupClockBootForcesSingleScanner(t *testing.T) {
	th := SetupClock(262144, Overrides{}, DefaultTunables(), true, 0)
	if th.DesiredScanners != 1 {
		t.Errorf("boot: desired_scanners = %d, want 1", th.DesiredScanners)
	}
}

func TestSetupClockDesiredScannersGrowsWithSize(t *testing.T) {
	small := SetupClock(262144, Overrides{}, DefaultTunables(), false, 0)
	large := SetupClock(262144*128, Overrides{}, DefaultTunables(), false, 0)
	if large.DesiredScanners < small.DesiredScanners {
		t.Errorf("desired scanners did not grow with host size: small=%d large=%d",
			small.DesiredScanners, large.DesiredScanners)
	}
	if large.DesiredScanners > MaxPscanThreads {
		t.Errorf("desired scanners %d exceeds MaxPscanThreads %d", large.DesiredScanners, MaxPscanThreads)
	}
}

func TestSetupClockMeasuredMaxFastscanCapsFastscan(t *testing.T) {
	th := SetupClock(262144, Overrides{}, DefaultTunables(), false, 500)
	if th.Fastscan > 500 {
		t.Errorf("fastscan %d exceeds measured cap 500", th.Fastscan)
	}
	if th.MaxFastscan != 500 {
		t.Errorf("max_fastscan = %d, want measured value 500", th.MaxFastscan)
	}
}

func TestSetupClockOperatorMaxFastscanOverridesMeasured(t *testing.T) {
	th := SetupClock(262144, Overrides{MaxFastscan: 10}, DefaultTunables(), false, 500)
	if th.MaxFastscan != 10 {
		t.Errorf("max_fastscan = %d, want operator override 10 to win over measured 500", th.MaxFastscan)
	}
}

func TestApplyOverridePolicy(t *testing.T) {
	tcases := []struct {
		name            string
		override        int64
		ceiling         int64
		def             int64
		want            int64
	}{
		{name: "zero means default", override: 0, ceiling: 1000, def: 42, want: 42},
		{name: "honored below ceiling", override: 500, ceiling: 1000, def: 42, want: 500},
		{name: "at ceiling collapses to default", override: 1000, ceiling: 1000, def: 42, want: 42},
		{name: "above ceiling collapses to default", override: 2000, ceiling: 1000, def: 42, want: 42},
		{name: "no ceiling honors any nonzero value", override: 999999, ceiling: 0, def: 42, want: 999999},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got := applyOverride(tc.override, tc.ceiling, tc.def)
			if got != tc.want {
				t.Errorf("applyOverride(%d, %d, %d) = %d, want %d", tc.override, tc.ceiling, tc.def, got, tc.want)
			}
		})
	}
}
