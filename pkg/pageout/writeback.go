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
	"sync/atomic"

	"github.com/google/uuid"
)

// wbRequest is one async writeback slot (§3 "Writeback request").
type wbRequest struct {
	id     uuid.UUID
	vnode  Vnode
	offset int64
	length int64
	flags  WritebackFlags
	cred   Cred
}

// writebackQueue is the bounded freelist + FIFO pending list of §4.E.
//
// queueIoRequest prepends new requests at index 0; runMaster always pops
// the last element. A request therefore moves toward the tail as later
// requests are pushed in front of it and is popped only once every
// request queued before it has been dispatched -- ordinary FIFO
// dispatch order, matching the component table's description, just
// implemented as push-front/pop-back on a slice instead of push-back/
// pop-front.
type writebackQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	free    []*wbRequest
	pending []*wbRequest

	inFlight       bool
	pushCount      atomic.Uint64
	pushesThisTick int
}

func newWritebackQueue(size int) *writebackQueue {
	q := &writebackQueue{}
	q.cond = sync.NewCond(&q.mu)
	q.free = make([]*wbRequest, 0, size)
	for i := 0; i < size; i++ {
		q.free = append(q.free, &wbRequest{})
	}
	return q
}

// Capacity returns the fixed slot count (free + pending + in-flight).
func (q *writebackQueue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacityLocked()
}

func (q *writebackQueue) capacityLocked() int {
	n := len(q.free) + len(q.pending)
	if q.inFlight {
		n++
	}
	return n
}

// PendingLen reports the current pending-list length, for the §8
// invariant "pending length <= async_list_size".
func (q *writebackQueue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight reports whether a push is currently outstanding with the
// external writeback path.
func (q *writebackQueue) InFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// PushCount returns the monotonic count of completed dispatch attempts
// (success or failure), the signal the deadman watches for forward
// progress.
func (q *writebackQueue) PushCount() uint64 { return q.pushCount.Load() }

// queueIoRequest implements §4.E's queue_io_request: pop a freelist slot,
// populate it, and push it onto the pending list. Returns false if the
// freelist was empty (the caller must release its vnode hold itself).
func (q *writebackQueue) queueIoRequest(v Vnode, offset int64) bool {
	q.mu.Lock()
	n := len(q.free)
	if n == 0 {
		q.mu.Unlock()
		return false
	}
	req := q.free[n-1]
	q.free = q.free[:n-1]
	req.id = uuid.New()
	req.vnode = v
	req.offset = offset
	req.length = PageSize
	req.flags = WritebackAsync | WritebackFree
	req.cred = 0

	q.pending = append([]*wbRequest{req}, q.pending...)

	freelistEmpty := len(q.free) == 0
	q.mu.Unlock()

	if freelistEmpty {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
	return true
}

// runMaster is the pageout master thread of §4.E: drain the pending list
// to the external writeback, paced at maxpgio/SCHEDPAGING_HZ pushes per
// wakeup.
func (q *writebackQueue) runMaster(ctx context.Context, host Host, c *PageoutCtx) error {
	log.Debugf("writeback master: online")
	defer log.Debugf("writeback master: offline")
	for {
		q.mu.Lock()
		for (len(q.pending) == 0 || q.pushesThisTick >= maxPushesPerTick(c)) && ctx.Err() == nil {
			q.cond.Wait()
			q.pushesThisTick = 0
		}
		if ctx.Err() != nil {
			q.mu.Unlock()
			return nil
		}
		n := len(q.pending)
		req := q.pending[n-1]
		q.pending = q.pending[:n-1]
		q.inFlight = true
		q.mu.Unlock()

		err := host.PutPage(ctx, req.vnode, req.offset, req.length, req.flags, req.cred)
		if err == nil {
			q.mu.Lock()
			q.pushesThisTick++
			q.mu.Unlock()
		} else {
			log.Warnf("writeback master: put_page(vnode=%d, off=%d) failed: %s", req.vnode, req.offset, err)
		}
		host.ReleaseVnode(req.vnode)

		q.mu.Lock()
		q.inFlight = false
		q.pushCount.Add(1)
		q.free = append(q.free, req)
		q.mu.Unlock()
	}
}

func maxPushesPerTick(c *PageoutCtx) int {
	maxpgio := c.Thresholds().Maxpgio
	perTick := int(maxpgio / SchedPagingHz)
	if perTick < 0 {
		perTick = 0
	}
	return perTick
}
