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

// Package pageout implements the page-replacement and pageout control
// plane of a virtual-memory subsystem: a self-tuning two-handed clock
// scanner coupled with a scheduling controller that sets reclaim
// intensity from instantaneous memory pressure.
//
// The physical page table, the filesystem writeback path, the slab/arena
// reapers and the zone accounting subsystem are external collaborators.
// They are expressed here as the Host capability interface so the core
// scheduling/scanning/decision logic is testable against a mock Host
// instead of a real kernel.
package pageout

import "context"

// PageRef is an opaque handle into the host's circular page array. It must
// not be assumed stable across a goroutine yield: the decider re-derives
// whatever it needs from the Host on every call.
type PageRef uint64

// Vnode is an opaque handle to the backing file of a dirty page.
type Vnode uint64

// Cred is an opaque credential token threaded through to PutPage.
type Cred uint64

// ZoneID identifies a zone for the zones-over-cap reclaim mode. The zero
// value means "no zone" (e.g. anonymous memory with no zone affinity).
type ZoneID uint32

// Attrs is a bitmask of page attributes returned by SyncAttrs/GetAttrs.
type Attrs uint32

const (
	AttrRef Attrs = 1 << iota // hardware reference bit
	AttrMod                   // hardware modified (dirty) bit
)

// SyncMode selects how SyncAttrs reconciles hardware attribute bits.
type SyncMode uint32

const (
	// SyncZeroRM atomically reads and clears both ref and mod bits. Used
	// by the front hand.
	SyncZeroRM SyncMode = 1 << iota
	// SyncDontZero reads bits without clearing them.
	SyncDontZero
	// SyncStopOnRef short-circuits a multi-page sync on the first
	// referenced page.
	SyncStopOnRef
	// SyncStopOnShared short-circuits a multi-page sync on the first
	// page shared above the current po_share threshold.
	SyncStopOnShared
)

// AttrMask selects which attributes GetAttrs should report.
type AttrMask uint32

const (
	MaskMod AttrMask = 1 << iota
	MaskRef
)

// UnloadFlags controls UnloadMappings.
type UnloadFlags uint32

const (
	// UnloadForce unmaps even mappings that would ordinarily be left
	// alone, e.g. because of advisory pinning.
	UnloadForce UnloadFlags = 1 << iota
)

// WritebackSink is the minimal file-like destination a Host implementation
// writes a dirty page's bytes to. *os.File satisfies it.
type WritebackSink interface {
	WriteAt(p []byte, off int64) (int, error)
}

// WritebackFlags are the flags passed to PutPage.
type WritebackFlags uint32

const (
	WritebackAsync WritebackFlags = 1 << iota
	WritebackFree
)

// Host is the capability set the pageout core requires from its
// environment: the physical page table and its attribute bits, the
// filesystem writeback path, the slab/arena/cage reapers, zone accounting,
// and the wall clock. None of these are implemented by this package; see
// internal/hostlinux for a concrete Linux adapter and the *_test.go files
// for the mock used by the property tests.
type Host interface {
	// Circular page array iteration.
	PageFirst() PageRef
	PageNext(p PageRef) PageRef
	PageNextN(p PageRef, n int64) PageRef

	// Fast, lock-free predicates.
	IsKernel(p PageRef) bool
	IsLocked(p PageRef) bool
	IsFree(p PageRef) bool
	LockCount(p PageRef) int
	CowCount(p PageRef) int
	ShareCountExceeds(p PageRef, threshold int64) bool
	SizeClass(p PageRef) int
	ZoneOf(p PageRef) ZoneID
	// IsExecutable reports whether p is mapped from an executable
	// (text/code) vnode, used only to classify a freed page for the
	// execfree/fsfree/anonfree kstats.
	IsExecutable(p PageRef) bool

	// Exclusive per-page lock. Unlock must be called exactly once for
	// every successful TryLockExclusive.
	TryLockExclusive(p PageRef) bool
	Unlock(p PageRef)

	// Attribute bits. p must be locked.
	SyncAttrs(p PageRef, mode SyncMode) Attrs
	ClearRef(p PageRef)
	GetAttrs(p PageRef, mask AttrMask) Attrs

	// TryDemote breaks a multi-page-size mapping down to the base page
	// size so the decider can evaluate it one base page at a time.
	TryDemote(p PageRef) bool

	// UnloadMappings removes all virtual mappings of p.
	UnloadMappings(p PageRef, flags UnloadFlags)

	// DisposeFree returns a clean, unmapped page to the free list.
	DisposeFree(p PageRef)

	// Vnode/file identity of a dirty page, and reference counting on it.
	// ok is false for anonymous pages with no backing vnode.
	VnodeOf(p PageRef) (v Vnode, offset int64, ok bool)
	HoldVnode(v Vnode)
	ReleaseVnode(v Vnode)

	// PutPage performs the actual writeback I/O. It is invoked only by
	// the writeback master, never by a scanner or the decider directly.
	PutPage(ctx context.Context, v Vnode, offset int64, length int64, flags WritebackFlags, cred Cred) error

	// Zone accounting.
	ZoneNumOverCap() int
	ZoneOverCap(z ZoneID) bool

	// Memory-pressure signals, re-read every scheduler tick.
	FreeMem() int64
	NeedFree() int64
	Deficit() int64
	TotalPages() int64
	KmemReapahead() int64
	KmemAvail() int64

	KcageOn() bool
	KcageFreemem() int64
	KcageNeedfree() int64

	// Memory-demand side-effect callbacks, invoked from the scheduler
	// tick strictly before scan-budget computation.
	KmemReap()
	SegPreap()
	KcageCageoutWakeup()

	// NowNS is the wall-clock source, in nanoseconds, used for CPU
	// budgeting and calibration timing.
	NowNS() int64
}
