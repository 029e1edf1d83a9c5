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

// Hand names which clock hand is examining a page: the front hand clears
// reference bits, the back hand reclaims pages the front marked.
type Hand int

const (
	HandFront Hand = iota
	HandBack
)

// Verdict is check_page's three-way outcome (§4.D).
type Verdict int

const (
	VerdictIneligible Verdict = iota
	VerdictNotFreed
	VerdictFreed
)

func (v Verdict) String() string {
	switch v {
	case VerdictIneligible:
		return "ineligible"
	case VerdictNotFreed:
		return "not_freed"
	case VerdictFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// checkPage implements the per-page decider (§4.D). It is called by a
// scanner worker under no page lock; any lock it acquires is released
// before checkPage returns.
func (c *PageoutCtx) checkPage(p PageRef, hand Hand) Verdict {
	host := c.host
	poShare := c.poShare()

	// Step 1: fast, lock-free rejection.
	if host.IsKernel(p) || host.IsLocked(p) || host.IsFree(p) ||
		host.LockCount(p) != 0 || host.CowCount(p) != 0 ||
		host.ShareCountExceeds(p, poShare) {
		return VerdictIneligible
	}

	// Step 2: acquire the exclusive page lock and recheck.
	if !host.TryLockExclusive(p) {
		return VerdictIneligible
	}
	if host.IsFree(p) {
		host.Unlock(p)
		return VerdictIneligible
	}
	if host.LockCount(p) != 0 || host.CowCount(p) != 0 {
		host.Unlock(p)
		return VerdictIneligible
	}

	// Step 3: zone filter.
	var zid ZoneID
	if c.ZonesOver() {
		zid = host.ZoneOf(p)
		if zid == 0 || !host.ZoneOverCap(zid) {
			host.Unlock(p)
			return VerdictIneligible
		}
	} else {
		zid = host.ZoneOf(p)
	}

	mode := SyncZeroRM
	if hand == HandBack {
		mode = SyncDontZero | SyncStopOnRef | SyncStopOnShared
	}
	attrs := host.SyncAttrs(p, mode)

	return c.checkPageAfterSync(p, hand, zid, attrs)
}

// checkPageAfterSync implements steps 5-8, re-entered from step 6 after a
// successful demotion reloads attrs, and from step 8 after an unload
// reloads attrs.
func (c *PageoutCtx) checkPageAfterSync(p PageRef, hand Hand, zid ZoneID, attrs Attrs) Verdict {
	host := c.host

	for {
		// Step 5: referenced page is kept. The front hand also clears
		// the bit it just observed so the back hand gets a fair look
		// next pass.
		if attrs&AttrRef != 0 {
			if hand == HandFront {
				host.ClearRef(p)
			}
			host.Unlock(p)
			return VerdictNotFreed
		}

		// Step 6: demote a multi-page-size mapping so the remainder of
		// the algorithm evaluates a single base page.
		if host.SizeClass(p) != 0 {
			if !host.TryDemote(p) {
				host.Unlock(p)
				return VerdictIneligible
			}
			attrs = host.GetAttrs(p, MaskMod|MaskRef)
			continue
		}

		// Step 7: dirty pages with a backing vnode are handed off to
		// the async writeback queue instead of being freed inline.
		if attrs&AttrMod != 0 {
			if v, offset, ok := host.VnodeOf(p); ok {
				host.HoldVnode(v)
				host.Unlock(p)
				if !c.wb.queueIoRequest(v, offset) {
					host.ReleaseVnode(v)
					return VerdictNotFreed
				}
				c.recordFree(p, zid)
				return VerdictFreed
			}
		}

		// Step 8: no referenced or dirty-with-vnode obstruction; strip
		// mappings and recheck once more before freeing.
		host.UnloadMappings(p, UnloadForce)
		attrs = host.GetAttrs(p, MaskMod|MaskRef)
		if attrs&AttrRef != 0 {
			continue
		}
		if attrs&AttrMod != 0 {
			if _, _, ok := host.VnodeOf(p); ok {
				continue
			}
		}
		c.recordFree(p, zid)
		host.DisposeFree(p)
		host.Unlock(p)
		return VerdictFreed
	}
}

// recordFree updates the dfree/execfree/fsfree/anonfree kstats (§6) for a
// page the decider just freed (directly or via a successfully queued
// writeback).
func (c *PageoutCtx) recordFree(p PageRef, _ ZoneID) {
	c.stats.Dfree.Add(1)
	switch {
	case c.host.IsExecutable(p):
		c.stats.Execfree.Add(1)
	default:
		if _, _, ok := c.host.VnodeOf(p); ok {
			c.stats.Fsfree.Add(1)
		} else {
			c.stats.Anonfree.Add(1)
		}
	}
}
