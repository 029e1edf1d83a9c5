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
	"time"
)

// deadmanState tracks consecutive 1 Hz checks with no writeback progress
// (§4.F).
type deadmanState struct {
	stuck         int64
	pushCountSeen uint64
}

func newDeadmanState() *deadmanState { return &deadmanState{} }

// runDeadman runs the §4.F check once per second until ctx is canceled.
func (c *PageoutCtx) runDeadman(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.deadmanTick()
		}
	}
}

func (c *PageoutCtx) deadmanTick() {
	d := c.deadman
	seconds := c.Tunables().PageoutDeadmanSeconds
	if seconds <= 0 {
		return
	}
	if !c.wb.InFlight() {
		d.stuck = 0
		d.pushCountSeen = c.wb.PushCount()
		return
	}
	current := c.wb.PushCount()
	if current != d.pushCountSeen {
		d.stuck = 0
		d.pushCountSeen = current
		return
	}
	d.stuck++
	if d.stuck >= seconds {
		log.Panicf("pageout_deadman: no writeback progress in %d seconds, freemem=%d", seconds, c.host.FreeMem())
	}
}
