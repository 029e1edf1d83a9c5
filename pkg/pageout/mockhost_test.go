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
	"sync"
)

// mockPage is one page's worth of bookkeeping in mockHost.
type mockPage struct {
	kernel     bool
	locked     bool
	free       bool
	lockCount  int
	cowCount   int
	shareCount int64
	sizeClass  int
	zone       ZoneID
	executable bool
	attrs      Attrs
	vnode      Vnode
	offset     int64
	hasVnode   bool
}

// mockHost is a tiny in-memory Host used by the package's own tests: a
// flat slice of pages plus the handful of pressure knobs the scheduler
// reads every tick, with no real syscalls behind it.
type mockHost struct {
	mu    sync.Mutex
	pages []mockPage
	locks []sync.Mutex

	zoneOverCap map[ZoneID]bool

	freeMem       int64
	needFree      int64
	deficit       int64
	kmemReapahead int64
	kmemAvail     int64
	kcageOn       bool
	kcageFreemem  int64
	kcageNeedfree int64

	kmemReapCalls int
	putPageCalls  int
	putPageErr    error
	now           int64
}

func newMockHost(n int64) *mockHost {
	h := &mockHost{
		pages:       make([]mockPage, n),
		locks:       make([]sync.Mutex, n),
		zoneOverCap: map[ZoneID]bool{},
	}
	for i := range h.pages {
		h.pages[i].free = true
	}
	h.recomputeFreeMem()
	return h
}

func (h *mockHost) recomputeFreeMem() {
	var n int64
	for i := range h.pages {
		if h.pages[i].free {
			n++
		}
	}
	h.freeMem = n
}

func (h *mockHost) PageFirst() PageRef { return 0 }
func (h *mockHost) PageNext(p PageRef) PageRef {
	return PageRef((int64(p) + 1) % int64(len(h.pages)))
}
func (h *mockHost) PageNextN(p PageRef, n int64) PageRef {
	return PageRef((int64(p) + n) % int64(len(h.pages)))
}

func (h *mockHost) IsKernel(p PageRef) bool { return h.pages[p].kernel }
func (h *mockHost) IsLocked(p PageRef) bool { return h.pages[p].locked }
func (h *mockHost) IsFree(p PageRef) bool   { return h.pages[p].free }
func (h *mockHost) LockCount(p PageRef) int { return h.pages[p].lockCount }
func (h *mockHost) CowCount(p PageRef) int  { return h.pages[p].cowCount }
func (h *mockHost) ShareCountExceeds(p PageRef, threshold int64) bool {
	return h.pages[p].shareCount > threshold
}
func (h *mockHost) SizeClass(p PageRef) int      { return h.pages[p].sizeClass }
func (h *mockHost) ZoneOf(p PageRef) ZoneID      { return h.pages[p].zone }
func (h *mockHost) IsExecutable(p PageRef) bool  { return h.pages[p].executable }

func (h *mockHost) TryLockExclusive(p PageRef) bool { return h.locks[p].TryLock() }
func (h *mockHost) Unlock(p PageRef)                { h.locks[p].Unlock() }

func (h *mockHost) SyncAttrs(p PageRef, mode SyncMode) Attrs {
	attrs := h.pages[p].attrs
	if mode&SyncZeroRM != 0 {
		h.pages[p].attrs = 0
	}
	return attrs
}
func (h *mockHost) ClearRef(p PageRef) { h.pages[p].attrs &^= AttrRef }
func (h *mockHost) GetAttrs(p PageRef, mask AttrMask) Attrs {
	attrs := h.pages[p].attrs
	var out Attrs
	if mask&MaskRef != 0 {
		out |= attrs & AttrRef
	}
	if mask&MaskMod != 0 {
		out |= attrs & AttrMod
	}
	return out
}

func (h *mockHost) TryDemote(p PageRef) bool {
	h.pages[p].sizeClass = 0
	return true
}

func (h *mockHost) UnloadMappings(p PageRef, flags UnloadFlags) {
	h.pages[p].attrs &^= AttrRef
}

func (h *mockHost) DisposeFree(p PageRef) {
	h.mu.Lock()
	h.pages[p] = mockPage{free: true}
	h.recomputeFreeMem()
	h.mu.Unlock()
}

func (h *mockHost) VnodeOf(p PageRef) (Vnode, int64, bool) {
	m := &h.pages[p]
	return m.vnode, m.offset, m.hasVnode
}
func (h *mockHost) HoldVnode(v Vnode)    {}
func (h *mockHost) ReleaseVnode(v Vnode) {}

func (h *mockHost) PutPage(ctx context.Context, v Vnode, offset, length int64, flags WritebackFlags, cred Cred) error {
	h.mu.Lock()
	h.putPageCalls++
	err := h.putPageErr
	h.mu.Unlock()
	return err
}

func (h *mockHost) ZoneNumOverCap() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, over := range h.zoneOverCap {
		if over {
			n++
		}
	}
	return n
}
func (h *mockHost) ZoneOverCap(z ZoneID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.zoneOverCap[z]
}

func (h *mockHost) FreeMem() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.freeMem
}
func (h *mockHost) NeedFree() int64      { return h.needFree }
func (h *mockHost) Deficit() int64       { return h.deficit }
func (h *mockHost) TotalPages() int64    { return int64(len(h.pages)) }
func (h *mockHost) KmemReapahead() int64 { return h.kmemReapahead }
func (h *mockHost) KmemAvail() int64     { return h.kmemAvail }

func (h *mockHost) KcageOn() bool          { return h.kcageOn }
func (h *mockHost) KcageFreemem() int64    { return h.kcageFreemem }
func (h *mockHost) KcageNeedfree() int64   { return h.kcageNeedfree }

func (h *mockHost) KmemReap()            { h.kmemReapCalls++ }
func (h *mockHost) SegPreap()            {}
func (h *mockHost) KcageCageoutWakeup()  {}

func (h *mockHost) NowNS() int64 { return h.now }

// allocate marks p in-use, non-free bookkeeping for decider tests.
func (h *mockHost) allocate(p PageRef, zone ZoneID, executable bool) {
	h.mu.Lock()
	h.pages[p].free = false
	h.pages[p].zone = zone
	h.pages[p].executable = executable
	h.recomputeFreeMem()
	h.mu.Unlock()
}

func (h *mockHost) setVnode(p PageRef, v Vnode, offset int64) {
	h.pages[p].vnode = v
	h.pages[p].offset = offset
	h.pages[p].hasVnode = true
}

var _ Host = (*mockHost)(nil)
