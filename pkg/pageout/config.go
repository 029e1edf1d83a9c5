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
	"encoding/json"
	"fmt"
)

// Overrides carries the operator-supplied threshold overrides. A zero
// field means "use the computed default" (§4.A). The snapshot is recorded
// at boot, replaced only by PageoutCtx.SetTunables, and reused by every
// later recalculation, so overrides survive calibration and memory
// hot-add/remove.
type Overrides struct {
	LotsfreeMax     int64
	LotsfreeMin     int64
	Lotsfree        int64
	Desfree         int64
	Minfree         int64
	Throttlefree    int64
	PageoutReserve  int64
	Maxpgio         int64
	MaxFastscan     int64
	Handspreadpages int64
	ZonePageoutNsec int64
}

// Tunables holds the process-wide, patchable knobs described in §3 of the
// spec. It is marshaled/unmarshaled the same way memtier's policy configs
// are: a plain struct round-tripped through JSON.
type Tunables struct {
	LotsfreeFraction int64 // default 64

	Overrides Overrides

	// PageoutThresholdStyle selects the minfree/pageout_reserve formula:
	// 0 (default, 3/4) or 1 (1/2).
	PageoutThresholdStyle int

	MinPercentCPU int64 // default 4
	MaxPercentCPU int64 // default 80

	MaxSlowscan int64 // default 100

	PageoutSampleLim      int   // default 4
	PageoutResetCnt       int64 // default 64
	PageoutDeadmanSeconds int64 // default 90

	Dopageout       bool // kill switch; default true
	AsyncListSize   int  // default 256
	DesiredScanners int  // operator hint; clamped at sizing time

	DiskRPM int64 // feeds the maxpgio default
}

// DefaultTunables returns the tunables used when a config omits a field
// that cannot sanely default to Go's zero value (Dopageout, AsyncListSize,
// ...). Every numeric 0 below is also "use the computed default" per the
// override policy, so a freshly zero-valued Tunables is already usable;
// DefaultTunables exists for callers that want an explicit, documented
// starting point (e.g. cmd/pageoutd before merging a config file).
func DefaultTunables() Tunables {
	return Tunables{
		LotsfreeFraction:      LotsfreeFraction,
		MinPercentCPU:         MinPercentCPU,
		MaxPercentCPU:         MaxPercentCPU,
		MaxSlowscan:           MaxSlowscan,
		PageoutSampleLim:      PageoutSampleLim,
		PageoutResetCnt:       PageoutResetCnt,
		PageoutDeadmanSeconds: PageoutDeadmanSeconds,
		Dopageout:             true,
		AsyncListSize:         AsyncListSize,
		DesiredScanners:       1,
		DiskRPM:               7200,
	}
}

// SetConfigJson replaces t's contents with the tunables encoded in
// configJson, validates them, and reports the first violation found.
func (t *Tunables) SetConfigJson(configJson string) error {
	next := DefaultTunables()
	if err := json.Unmarshal([]byte(configJson), &next); err != nil {
		return fmt.Errorf("pageout: invalid tunables JSON: %w", err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*t = next
	return nil
}

// GetConfigJson renders t as JSON, mirroring the rest of the pack's
// Policy/Tracker/Mover GetConfigJson convention.
func (t *Tunables) GetConfigJson() string {
	b, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return string(b)
}

// Validate rejects tunables that can never produce a legal threshold
// chain, independent of total page count.
func (t *Tunables) Validate() error {
	if t.PageoutThresholdStyle != 0 && t.PageoutThresholdStyle != 1 {
		return fmt.Errorf("pageout: invalid PageoutThresholdStyle %d, expected 0 or 1", t.PageoutThresholdStyle)
	}
	if t.MinPercentCPU < 0 || t.MaxPercentCPU < 0 {
		return fmt.Errorf("pageout: percent CPU bounds must be >= 0")
	}
	if t.MinPercentCPU > 0 && t.MaxPercentCPU > 0 && t.MinPercentCPU > t.MaxPercentCPU {
		return fmt.Errorf("pageout: MinPercentCPU %d exceeds MaxPercentCPU %d", t.MinPercentCPU, t.MaxPercentCPU)
	}
	if t.AsyncListSize < 0 {
		return fmt.Errorf("pageout: AsyncListSize must be >= 0")
	}
	if t.DesiredScanners < 0 || t.DesiredScanners > MaxPscanThreads {
		return fmt.Errorf("pageout: DesiredScanners must be in [0,%d]", MaxPscanThreads)
	}
	return nil
}
