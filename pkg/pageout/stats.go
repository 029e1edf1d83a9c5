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
	"fmt"
	"sync/atomic"
)

// Stats holds the kstat-equivalent counters described in §6: outputs
// consumed by operators/monitoring rather than by the algorithm itself.
type Stats struct {
	LowMemScan      atomic.Uint64 // scheduler woke scanners on low memory
	ZoneCapScan     atomic.Uint64 // scheduler woke scanners on zone overcap
	PageoutTimeouts atomic.Uint64 // scanner hit its CPU budget mid-sweep
	Pgrrun          atomic.Uint64 // scheduler ticks that ran the reclaim path
	Scan            atomic.Uint64 // cumulative non-ineligible page examinations
	Rev             atomic.Uint64 // cumulative front-hand wraps across all scanners
	Dfree           atomic.Uint64 // pages freed by the decider, directly or via a queued writeback
	Execfree        atomic.Uint64 // of Dfree, pages from executable mappings
	Fsfree          atomic.Uint64 // of Dfree, pages from filesystem-backed vnodes
	Anonfree        atomic.Uint64 // of Dfree, anonymous pages
}

func newStats() *Stats { return &Stats{} }

// Dump renders the counters for the interactive prompt, in the same
// "table: ..." plain-text style memtier's policies use for their Dump
// commands.
func (s *Stats) Dump() string {
	return fmt.Sprintf(
		"scan=%d rev=%d dfree=%d execfree=%d fsfree=%d anonfree=%d low_mem_scan=%d zone_cap_scan=%d pageout_timeouts=%d pgrrun=%d",
		s.Scan.Load(), s.Rev.Load(), s.Dfree.Load(), s.Execfree.Load(), s.Fsfree.Load(), s.Anonfree.Load(),
		s.LowMemScan.Load(), s.ZoneCapScan.Load(), s.PageoutTimeouts.Load(), s.Pgrrun.Load(),
	)
}
