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

//go:build linux
// +build linux

// Package hostlinux is a concrete pageout.Host backed by a single
// anonymous mmap arena: pageoutd owns this arena directly (unlike a real
// kernel's physical page frames, which are system-wide), so the
// reference/modify bits, lock state and zone membership it reports are
// this package's own bookkeeping rather than hardware bits read out of
// /proc. FreeMem, DisposeFree and the vnode writeback path are real:
// DisposeFree issues a genuine MADV_DONTNEED over the page's bytes, and
// PutPage performs a real pwrite against the backing file.
package hostlinux

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vmreclaim/pageoutd/pkg/pageout"
)

const numStripes = 1024

type pageMeta struct {
	kernel     bool
	locked     bool
	free       bool
	lockCount  int32
	cowCount   int32
	shareCount int32
	sizeClass  int32
	zone       pageout.ZoneID
	executable bool
	attrs      pageout.Attrs
	hasVnode   bool
	vnode      pageout.Vnode
	offset     int64
}

type vnodeFile struct {
	refs atomic.Int32
	wb   pageout.WritebackSink
}

type backingKey struct {
	v      pageout.Vnode
	offset int64
}

// Host is the Linux arena-backed pageout.Host implementation.
type Host struct {
	pageSize   int64
	totalPages int64
	mem        []byte

	metaMu []sync.Mutex // striped: guards meta[i] for i%numStripes==stripe
	meta   []pageMeta

	freeCount atomic.Int64

	vnodesMu    sync.Mutex
	vnodes      map[pageout.Vnode]*vnodeFile
	nextVnodeID uint64
	backing     map[backingKey]pageout.PageRef

	zoneCapsMu sync.RWMutex
	zoneCaps   map[pageout.ZoneID]bool

	needfree      atomic.Int64
	deficit       atomic.Int64
	kmemReapahead atomic.Int64
	kmemAvail     atomic.Int64
	kcageOn       atomic.Bool
	kcageFreemem  atomic.Int64
	kcageNeedfree atomic.Int64
}

// New allocates an anonymous arena of totalPages pages and returns a Host
// backed by it. Every page starts free.
func New(totalPages int64) (*Host, error) {
	if totalPages < 1 {
		return nil, fmt.Errorf("hostlinux: totalPages must be >= 1")
	}
	pageSize := int64(unix.Getpagesize())
	length := totalPages * pageSize
	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hostlinux: mmap %d bytes: %w", length, err)
	}
	h := &Host{
		pageSize:   pageSize,
		totalPages: totalPages,
		mem:        mem,
		metaMu:     make([]sync.Mutex, numStripes),
		meta:       make([]pageMeta, totalPages),
		vnodes:     make(map[pageout.Vnode]*vnodeFile),
		backing:    make(map[backingKey]pageout.PageRef),
		zoneCaps:   make(map[pageout.ZoneID]bool),
	}
	for i := range h.meta {
		h.meta[i].free = true
	}
	h.freeCount.Store(totalPages)
	return h, nil
}

// Close unmaps the arena.
func (h *Host) Close() error {
	return unix.Munmap(h.mem)
}

func (h *Host) stripe(p pageout.PageRef) *sync.Mutex {
	return &h.metaMu[uint64(p)%numStripes]
}

func (h *Host) pageBytes(p pageout.PageRef) []byte {
	off := int64(p) * h.pageSize
	return h.mem[off : off+h.pageSize]
}

// --- circular page array ---

func (h *Host) PageFirst() pageout.PageRef { return 0 }

func (h *Host) PageNext(p pageout.PageRef) pageout.PageRef {
	return pageout.PageRef((uint64(p) + 1) % uint64(h.totalPages))
}

func (h *Host) PageNextN(p pageout.PageRef, n int64) pageout.PageRef {
	if n <= 0 {
		return p
	}
	return pageout.PageRef((uint64(p) + uint64(n)) % uint64(h.totalPages))
}

// --- fast, lock-free predicates ---
//
// None of these take the per-page lock: the decider calls several of them
// (IsFree, LockCount, CowCount) again immediately after TryLockExclusive
// succeeds, from the same goroutine that holds it, and a real lock here
// would deadlock against itself. Reads racing a concurrent mutation are
// tolerated by design -- the worst case is one stale decision, corrected
// on the next sweep.

func (h *Host) IsKernel(p pageout.PageRef) bool { return h.meta[p].kernel }
func (h *Host) IsLocked(p pageout.PageRef) bool { return h.meta[p].locked }
func (h *Host) IsFree(p pageout.PageRef) bool   { return h.meta[p].free }

func (h *Host) LockCount(p pageout.PageRef) int { return int(h.meta[p].lockCount) }
func (h *Host) CowCount(p pageout.PageRef) int  { return int(h.meta[p].cowCount) }

func (h *Host) ShareCountExceeds(p pageout.PageRef, threshold int64) bool {
	return int64(h.meta[p].shareCount) > threshold
}

func (h *Host) SizeClass(p pageout.PageRef) int      { return int(h.meta[p].sizeClass) }
func (h *Host) ZoneOf(p pageout.PageRef) pageout.ZoneID { return h.meta[p].zone }
func (h *Host) IsExecutable(p pageout.PageRef) bool  { return h.meta[p].executable }

// --- exclusive per-page lock ---
//
// The arena has no hardware page lock, so every stripe's mutex doubles as
// the exclusive lock for every page hashed to it: TryLockExclusive is
// therefore slightly coarser than one-lock-per-page (two different pages
// in the same stripe contend), which only ever makes the decider more
// conservative, never less correct.

func (h *Host) TryLockExclusive(p pageout.PageRef) bool {
	return h.stripe(p).TryLock()
}

func (h *Host) Unlock(p pageout.PageRef) {
	h.stripe(p).Unlock()
}

// --- attribute bits (p must already be locked) ---

func (h *Host) SyncAttrs(p pageout.PageRef, mode pageout.SyncMode) pageout.Attrs {
	m := &h.meta[p]
	attrs := m.attrs
	if mode&pageout.SyncZeroRM != 0 {
		m.attrs &^= pageout.AttrRef | pageout.AttrMod
	}
	return attrs
}

func (h *Host) ClearRef(p pageout.PageRef) {
	h.meta[p].attrs &^= pageout.AttrRef
}

func (h *Host) GetAttrs(p pageout.PageRef, mask pageout.AttrMask) pageout.Attrs {
	a := h.meta[p].attrs
	var out pageout.Attrs
	if mask&pageout.MaskRef != 0 {
		out |= a & pageout.AttrRef
	}
	if mask&pageout.MaskMod != 0 {
		out |= a & pageout.AttrMod
	}
	return out
}

func (h *Host) TryDemote(p pageout.PageRef) bool {
	m := &h.meta[p]
	if m.sizeClass == 0 {
		return false
	}
	m.sizeClass = 0
	return true
}

func (h *Host) UnloadMappings(p pageout.PageRef, _ pageout.UnloadFlags) {
	h.meta[p].attrs &^= pageout.AttrRef
}

// DisposeFree marks p free and releases its physical backing with a real
// MADV_DONTNEED, so the kernel can reclaim the underlying frame
// immediately instead of waiting for memory pressure to page it out.
// Callers are responsible for their own locking discipline around p, same
// as every other attribute accessor in this file: the decider calls it
// while it still holds p's exclusive lock (released separately via
// Unlock), and the writeback master calls it on a page nothing else is
// touching.
func (h *Host) DisposeFree(p pageout.PageRef) {
	wasFree := h.meta[p].free
	h.meta[p] = pageMeta{free: true}

	if err := unix.Madvise(h.pageBytes(p), unix.MADV_DONTNEED); err != nil {
		pageout.GetLogger().Warnf("hostlinux: madvise(DONTNEED) page %d failed: %s", p, err)
	}
	if !wasFree {
		h.freeCount.Add(1)
	}
}

// --- vnode identity and writeback ---

func (h *Host) VnodeOf(p pageout.PageRef) (pageout.Vnode, int64, bool) {
	m := &h.meta[p]
	return m.vnode, m.offset, m.hasVnode
}

func (h *Host) HoldVnode(v pageout.Vnode) {
	h.vnodesMu.Lock()
	defer h.vnodesMu.Unlock()
	if vf, ok := h.vnodes[v]; ok {
		vf.refs.Add(1)
	}
}

func (h *Host) ReleaseVnode(v pageout.Vnode) {
	h.vnodesMu.Lock()
	defer h.vnodesMu.Unlock()
	if vf, ok := h.vnodes[v]; ok {
		vf.refs.Add(-1)
	}
}

// PutPage writes the page's current arena bytes to its backing vnode at
// offset, then, if WritebackFree was requested, disposes the page.
func (h *Host) PutPage(_ context.Context, v pageout.Vnode, offset int64, length int64, flags pageout.WritebackFlags, _ pageout.Cred) error {
	h.vnodesMu.Lock()
	vf, ok := h.vnodes[v]
	pr, hasBacking := h.backing[backingKey{v, offset}]
	h.vnodesMu.Unlock()
	if !ok {
		return fmt.Errorf("hostlinux: put_page: unknown vnode %d", v)
	}
	if vf.wb == nil {
		return fmt.Errorf("hostlinux: put_page: vnode %d has no writeback sink", v)
	}
	buf := make([]byte, length)
	if hasBacking {
		copy(buf, h.pageBytes(pr))
	}
	if _, err := vf.wb.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("hostlinux: put_page(vnode=%d, off=%d): %w", v, offset, err)
	}
	if flags&pageout.WritebackFree != 0 && hasBacking {
		h.DisposeFree(pr)
	}
	return nil
}

// --- zone accounting ---

func (h *Host) ZoneNumOverCap() int {
	h.zoneCapsMu.RLock()
	defer h.zoneCapsMu.RUnlock()
	n := 0
	for _, over := range h.zoneCaps {
		if over {
			n++
		}
	}
	return n
}

func (h *Host) ZoneOverCap(z pageout.ZoneID) bool {
	h.zoneCapsMu.RLock()
	defer h.zoneCapsMu.RUnlock()
	return h.zoneCaps[z]
}

// SetZoneOverCap is a test/operator hook: mark zone z as over or under its
// soft cap. There is no Linux cgroup-memory-controller wiring here; the
// spec treats zone accounting as an external collaborator.
func (h *Host) SetZoneOverCap(z pageout.ZoneID, over bool) {
	h.zoneCapsMu.Lock()
	defer h.zoneCapsMu.Unlock()
	h.zoneCaps[z] = over
}

// --- memory-pressure signals ---

// FreeMem reports free pages within this host's own arena, not system-wide
// free memory: the scanner only ever reclaims pages inside the arena it
// was handed, so arena occupancy is the pressure signal that matters here.
func (h *Host) FreeMem() int64       { return h.freeCount.Load() }
func (h *Host) NeedFree() int64      { return h.needfree.Load() }
func (h *Host) Deficit() int64       { return h.deficit.Load() }
func (h *Host) TotalPages() int64    { return h.totalPages }
func (h *Host) KmemReapahead() int64 { return h.kmemReapahead.Load() }
func (h *Host) KmemAvail() int64     { return h.kmemAvail.Load() }

func (h *Host) KcageOn() bool          { return h.kcageOn.Load() }
func (h *Host) KcageFreemem() int64    { return h.kcageFreemem.Load() }
func (h *Host) KcageNeedfree() int64   { return h.kcageNeedfree.Load() }

// SetNeedFree, SetDeficit, SetKmemReapahead and SetKmemAvail let an
// operator or test harness drive the exogenous pressure signals the spec
// describes as externally supplied; Linux exposes no per-process
// equivalent of Solaris's needfree/deficit/kmem_reapahead.
func (h *Host) SetNeedFree(v int64)      { h.needfree.Store(v) }
func (h *Host) SetDeficit(v int64)       { h.deficit.Store(v) }
func (h *Host) SetKmemReapahead(v int64) { h.kmemReapahead.Store(v) }
func (h *Host) SetKmemAvail(v int64)     { h.kmemAvail.Store(v) }
func (h *Host) SetKcageOn(v bool)        { h.kcageOn.Store(v) }
func (h *Host) SetKcageFreemem(v int64)  { h.kcageFreemem.Store(v) }
func (h *Host) SetKcageNeedfree(v int64) { h.kcageNeedfree.Store(v) }

// --- memory-demand side effects ---

// KmemReap asks the Go runtime to return freed heap spans to the OS, the
// closest analogue available to a slab-cache reaper from inside a single
// Go process.
func (h *Host) KmemReap() { debug.FreeOSMemory() }

// SegPreap and KcageCageoutWakeup have no Linux process-level analogue;
// they are no-ops here, matching the spec's treatment of them as opaque
// external callbacks.
func (h *Host) SegPreap()            {}
func (h *Host) KcageCageoutWakeup()  {}

func (h *Host) NowNS() int64 { return time.Now().UnixNano() }

// --- setup helpers used by cmd/pageoutd to populate the arena ---

// NewVnode registers a backing writeback sink (typically an *os.File) and
// returns a handle for it.
func (h *Host) NewVnode(wb pageout.WritebackSink) pageout.Vnode {
	h.vnodesMu.Lock()
	defer h.vnodesMu.Unlock()
	h.nextVnodeID++
	id := pageout.Vnode(h.nextVnodeID)
	h.vnodes[id] = &vnodeFile{wb: wb}
	return id
}

// SetPageVnode marks page p as dirty and backed by vnode v at file offset
// off, for the writeback path to discover via VnodeOf. Intended for setup
// before Start, or from a caller that otherwise knows no scanner is
// concurrently examining p.
func (h *Host) SetPageVnode(p pageout.PageRef, v pageout.Vnode, off int64, dirty bool) {
	h.meta[p].hasVnode = true
	h.meta[p].vnode = v
	h.meta[p].offset = off
	if dirty {
		h.meta[p].attrs |= pageout.AttrMod
	}

	h.vnodesMu.Lock()
	h.backing[backingKey{v, off}] = p
	h.vnodesMu.Unlock()
}

// Allocate marks p in-use (not free), clearing its prior metadata.
func (h *Host) Allocate(p pageout.PageRef, zone pageout.ZoneID, executable bool) {
	wasFree := h.meta[p].free
	h.meta[p] = pageMeta{zone: zone, executable: executable}
	if wasFree {
		h.freeCount.Add(-1)
	}
}

// SetReferenced sets or clears the reference bit on p directly, for test
// setup or for a caller simulating hardware access-bit activity.
func (h *Host) SetReferenced(p pageout.PageRef, ref bool) {
	if ref {
		h.meta[p].attrs |= pageout.AttrRef
	} else {
		h.meta[p].attrs &^= pageout.AttrRef
	}
}
