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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vmreclaim/pageoutd/pkg/metrics"
)

// collector exposes the §6 kstat counters and the live threshold/scanner
// state as Prometheus metrics, following the same Collector shape as the
// rest of the pack's metrics registrations.
type collector struct {
	ctx *PageoutCtx

	counterDescs map[string]*prometheus.Desc
	lotsfree     *prometheus.Desc
	desfree      *prometheus.Desc
	minfree      *prometheus.Desc
	throttlefree *prometheus.Desc
	scanners     *prometheus.Desc
	poShareDesc  *prometheus.Desc
	zonesOver    *prometheus.Desc
	pendingIO    *prometheus.Desc
}

// NewCollector builds a prometheus.Collector reading live state from c.
func NewCollector(c *PageoutCtx) prometheus.Collector {
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("pageout_"+name, help, nil, nil)
	}
	return &collector{
		ctx: c,
		counterDescs: map[string]*prometheus.Desc{
			"low_mem_scan_total":      mk("low_mem_scan_total", "scheduler wakeups triggered by low free memory"),
			"zone_cap_scan_total":     mk("zone_cap_scan_total", "scheduler wakeups triggered by a zone over its cap"),
			"pageout_timeouts_total":  mk("pageout_timeouts_total", "scanner sweeps cut short by the CPU budget"),
			"pgrrun_total":            mk("pgrrun_total", "scheduler ticks that ran the reclaim path"),
			"scan_total":              mk("scan_total", "cumulative non-ineligible page examinations"),
			"rev_total":               mk("rev_total", "cumulative front-hand wraps across all scanners"),
			"dfree_total":             mk("dfree_total", "pages freed by the decider, directly or via a queued writeback"),
			"execfree_total":          mk("execfree_total", "of dfree_total, pages from executable mappings"),
			"fsfree_total":            mk("fsfree_total", "of dfree_total, pages from filesystem-backed vnodes"),
			"anonfree_total":          mk("anonfree_total", "of dfree_total, anonymous pages"),
		},
		lotsfree:     mk("lotsfree_pages", "current lotsfree threshold in pages"),
		desfree:      mk("desfree_pages", "current desfree threshold in pages"),
		minfree:      mk("minfree_pages", "current minfree threshold in pages"),
		throttlefree: mk("throttlefree_pages", "current throttlefree threshold in pages"),
		scanners:     mk("scanners", "currently running scanner worker count"),
		poShareDesc:  mk("po_share", "current share-count eligibility threshold"),
		zonesOver:    mk("zones_over", "1 if the scheduler has latched zones-over-cap reclaim mode"),
		pendingIO:    mk("writeback_pending", "writeback requests currently queued for dispatch"),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counterDescs {
		ch <- d
	}
	ch <- c.lotsfree
	ch <- c.desfree
	ch <- c.minfree
	ch <- c.throttlefree
	ch <- c.scanners
	ch <- c.poShareDesc
	ch <- c.zonesOver
	ch <- c.pendingIO
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.ctx.Stats()
	emit := func(name string, v uint64) {
		ch <- prometheus.MustNewConstMetric(c.counterDescs[name], prometheus.CounterValue, float64(v))
	}
	emit("low_mem_scan_total", s.LowMemScan.Load())
	emit("zone_cap_scan_total", s.ZoneCapScan.Load())
	emit("pageout_timeouts_total", s.PageoutTimeouts.Load())
	emit("pgrrun_total", s.Pgrrun.Load())
	emit("scan_total", s.Scan.Load())
	emit("rev_total", s.Rev.Load())
	emit("dfree_total", s.Dfree.Load())
	emit("execfree_total", s.Execfree.Load())
	emit("fsfree_total", s.Fsfree.Load())
	emit("anonfree_total", s.Anonfree.Load())

	th := c.ctx.Thresholds()
	ch <- prometheus.MustNewConstMetric(c.lotsfree, prometheus.GaugeValue, float64(th.Lotsfree))
	ch <- prometheus.MustNewConstMetric(c.desfree, prometheus.GaugeValue, float64(th.Desfree))
	ch <- prometheus.MustNewConstMetric(c.minfree, prometheus.GaugeValue, float64(th.Minfree))
	ch <- prometheus.MustNewConstMetric(c.throttlefree, prometheus.GaugeValue, float64(th.Throttlefree))
	ch <- prometheus.MustNewConstMetric(c.scanners, prometheus.GaugeValue, float64(c.ctx.CurrentScanners()))
	ch <- prometheus.MustNewConstMetric(c.poShareDesc, prometheus.GaugeValue, float64(c.ctx.poShare()))

	zonesOver := float64(0)
	if c.ctx.ZonesOver() {
		zonesOver = 1
	}
	ch <- prometheus.MustNewConstMetric(c.zonesOver, prometheus.GaugeValue, zonesOver)
	ch <- prometheus.MustNewConstMetric(c.pendingIO, prometheus.GaugeValue, float64(c.ctx.wb.PendingLen()))
}

// RegisterMetrics registers c's collector under name with the pack-wide
// metrics registry (pkg/metrics), so it is picked up by whatever exposes
// metrics.NewMetricGatherer's registry over HTTP.
func RegisterMetrics(name string, c *PageoutCtx) error {
	return metrics.RegisterCollector(name, func() (prometheus.Collector, error) {
		return NewCollector(c), nil
	})
}
