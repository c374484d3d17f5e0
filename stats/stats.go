/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package stats implements statistics collection and reporting.
It is used by the cyclic sender to report internal statistics, such as number of
frames sent, failed sends and how far hardware TX timestamps are from the schedule.
Nothing is persisted, counters live as long as the process.
*/
package stats

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/eclesh/welford"
)

// Stats is a metric collection interface
type Stats interface {
	// IncTX atomically add 1 to the counter
	IncTX()

	// IncTXError atomically add 1 to the counter
	IncTXError()

	// IncLate atomically add 1 to the counter of deadlines computed in the past
	IncLate()

	// IncHWTS atomically add 1 to the counter of received hardware TX timestamps
	IncHWTS()

	// IncHWTSMissing atomically add 1 to the counter of polls which returned no hardware TX timestamp
	IncHWTSMissing()

	// IncTXTimeError atomically add 1 to the counter of frames dropped by the qdisc
	IncTXTimeError()

	// AddDiscarded atomically adds number of malformed notifications
	AddDiscarded(n int64)

	// SetSequence atomically sets the last used sequence number
	SetSequence(seq uint32)

	// AddDeviation records how far hardware TX timestamp is from the schedule
	AddDeviation(ns int64)

	// Reset atomically sets all the counters to 0
	Reset()
}

// runningStats is what we need from welford
type runningStats interface {
	Add(float64)
	Mean() float64
	Stddev() float64
}

// deviation keeps running statistics of hw timestamp deviation from the schedule
type deviation struct {
	sync.Mutex
	w     runningStats
	count int64
	min   int64
	max   int64
}

func (d *deviation) init() {
	d.Lock()
	d.w = welford.New()
	d.count = 0
	d.min = math.MaxInt64
	d.max = math.MinInt64
	d.Unlock()
}

func (d *deviation) add(ns int64) {
	d.Lock()
	d.w.Add(float64(ns))
	d.count++
	if ns < d.min {
		d.min = ns
	}
	if ns > d.max {
		d.max = ns
	}
	d.Unlock()
}

func (d *deviation) toMap(res map[string]int64) {
	d.Lock()
	defer d.Unlock()
	res["hwts.deviation.count"] = d.count
	if d.count == 0 {
		return
	}
	res["hwts.deviation.mean_ns"] = int64(d.w.Mean())
	res["hwts.deviation.stddev_ns"] = 0
	if stddev := d.w.Stddev(); d.count > 1 && !math.IsNaN(stddev) {
		res["hwts.deviation.stddev_ns"] = int64(stddev)
	}
	res["hwts.deviation.min_ns"] = d.min
	res["hwts.deviation.max_ns"] = d.max
}

type counters struct {
	tx           int64
	txErrors     int64
	late         int64
	hwts         int64
	hwtsMissing  int64
	txtimeErrors int64
	discarded    int64
	sequence     int64
	deviation    deviation
}

func (c *counters) init() {
	c.deviation.init()
}

func (c *counters) reset() {
	atomic.StoreInt64(&c.tx, 0)
	atomic.StoreInt64(&c.txErrors, 0)
	atomic.StoreInt64(&c.late, 0)
	atomic.StoreInt64(&c.hwts, 0)
	atomic.StoreInt64(&c.hwtsMissing, 0)
	atomic.StoreInt64(&c.txtimeErrors, 0)
	atomic.StoreInt64(&c.discarded, 0)
	atomic.StoreInt64(&c.sequence, 0)
	c.deviation.init()
}

// toMap converts counters to a map
func (c *counters) toMap() (export map[string]int64) {
	res := make(map[string]int64)
	res["tx"] = atomic.LoadInt64(&c.tx)
	res["tx.errors"] = atomic.LoadInt64(&c.txErrors)
	res["tx.late"] = atomic.LoadInt64(&c.late)
	res["tx.sequence"] = atomic.LoadInt64(&c.sequence)
	res["hwts"] = atomic.LoadInt64(&c.hwts)
	res["hwts.missing"] = atomic.LoadInt64(&c.hwtsMissing)
	res["txtime.errors"] = atomic.LoadInt64(&c.txtimeErrors)
	res["notifications.discarded"] = atomic.LoadInt64(&c.discarded)
	c.deviation.toMap(res)
	return res
}
