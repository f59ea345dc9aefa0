// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package hba

import "sync/atomic"

// Stats is a snapshot of a port's command counters.
type Stats struct {
	Reads          uint64
	Writes         uint64
	Flushes        uint64
	SectorsRead    uint64
	SectorsWritten uint64
	Bounced        uint64 // transfers staged through the bounce buffer
	Errors         uint64
	Timeouts       uint64
	Recoveries     uint64
}

type counters struct {
	reads          uint64
	writes         uint64
	flushes        uint64
	sectorsRead    uint64
	sectorsWritten uint64
	bounced        uint64
	errors         uint64
	timeouts       uint64
	recoveries     uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Reads:          atomic.LoadUint64(&c.reads),
		Writes:         atomic.LoadUint64(&c.writes),
		Flushes:        atomic.LoadUint64(&c.flushes),
		SectorsRead:    atomic.LoadUint64(&c.sectorsRead),
		SectorsWritten: atomic.LoadUint64(&c.sectorsWritten),
		Bounced:        atomic.LoadUint64(&c.bounced),
		Errors:         atomic.LoadUint64(&c.errors),
		Timeouts:       atomic.LoadUint64(&c.timeouts),
		Recoveries:     atomic.LoadUint64(&c.recoveries),
	}
}

func inc(v *uint64, n uint64) {
	atomic.AddUint64(v, n)
}
