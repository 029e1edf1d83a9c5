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

import "os"

const (
	// SchedPagingHz is the scheduler tick rate: sched_paging runs at 4 Hz.
	SchedPagingHz = 4

	// PagesPollMask bounds how often a scanner checks its CPU time budget
	// while walking pages: every PagesPollMask+1 pages.
	PagesPollMask = 1023

	// MaxPscanThreads is the hard ceiling on concurrent scanner workers.
	MaxPscanThreads = 16

	// MinPoShare and MaxPoShare bound the share-count eligibility threshold.
	MinPoShare = 8
	MaxPoShare = 8 << 24

	// PageoutResetCnt is the number of front-hand wraps between
	// self-repositioning resets of a scanner's hands.
	PageoutResetCnt = 64

	// AsyncListSize is the default writeback freelist capacity.
	AsyncListSize = 256

	// MinPercentCPU / MaxPercentCPU bound the scanner's per-cycle CPU
	// budget, expressed as a percent of one scheduler cycle
	// (1/SchedPagingHz seconds).
	MinPercentCPU = 4
	MaxPercentCPU = 80

	// MaxSlowscan is the default ceiling on slowscan (pages/s).
	MaxSlowscan = 100

	// PageoutSampleLim is the number of calibration samples collected
	// before fastscan/maxfastscan are derived from measured throughput.
	PageoutSampleLim = 4

	// PageoutDeadmanSeconds is the default stuck-push panic threshold.
	PageoutDeadmanSeconds = 90

	// LotsfreeFraction is the default divisor of total pages used to seed
	// lotsfree before clamping.
	LotsfreeFraction = 64

	// bytesGiB / bytesMiB are unit constants used to derive page-count
	// defaults from byte quantities.
	bytesGiB = 1 << 30
	bytesMiB = 1 << 20

	// defaultRegionGiB is the minimum per-scanner region size used when
	// sizing the scanner pool.
	defaultRegionGiB = 64

	// maxHandspreadMiB bounds MAXHANDSPREADPAGES: 64 MiB worth of pages.
	maxHandspreadMiB = 64
)

// PageSize is the host page size in bytes, read once at process start.
// Real deployments get this from the OS; tests may override it before
// constructing a PageoutCtx.
var PageSize = int64(os.Getpagesize())

// btop converts a byte count to a page count using PageSize.
func btop(bytes int64) int64 {
	if PageSize <= 0 {
		return 0
	}
	return bytes / PageSize
}

// defaultLotsfreeMaxPages is btop(2 GiB).
func defaultLotsfreeMaxPages() int64 { return btop(2 * bytesGiB) }

// defaultLotsfreeMinPages is btop(16 MiB).
func defaultLotsfreeMinPages() int64 { return btop(16 * bytesMiB) }

// maxHandspreadPages is MAXHANDSPREADPAGES: pages covering 64 MiB.
func maxHandspreadPages() int64 { return btop(maxHandspreadMiB * bytesMiB) }

// defaultRegionSizePages is the default per-scanner region size: 64 GiB.
func defaultRegionSizePages() int64 { return btop(defaultRegionGiB * bytesGiB) }
