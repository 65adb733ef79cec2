package pollset

import "sort"

// timeEntry is ordered by (at, seq). seq doubles as the generational
// token behind Timeout handles, so cancel and reschedule need no linear
// scan over callbacks with equal deadlines.
type timeEntry struct {
	at  int64
	seq uint64
	cb  Cb
}

// Timeout is a handle to a scheduled callback. The zero value is null.
// A handle is invalidated when its callback fires; cancelling a fired
// handle is the caller's bug, cancelling a null one is a no-op.
type Timeout struct {
	at  int64
	seq uint64
}

// TimeoutNull returns a handle referring to no timer.
func TimeoutNull() Timeout { return Timeout{} }

// IsNull reports whether the handle refers to no timer.
func (t Timeout) IsNull() bool { return t.seq == 0 }

// searchTime returns the position of (at, seq) in the ordered slice, or the
// insertion point if absent.
func (p *Pollset) searchTime(at int64, seq uint64) int {
	return sort.Search(len(p.timeCbs), func(i int) bool {
		e := p.timeCbs[i]
		return e.at > at || (e.at == at && e.seq >= seq)
	})
}

func (p *Pollset) insertTime(at int64, cb Cb) Timeout {
	p.timeSeq++
	e := &timeEntry{at: at, seq: p.timeSeq, cb: cb}
	i := p.searchTime(at, e.seq)
	p.timeCbs = append(p.timeCbs, nil)
	copy(p.timeCbs[i+1:], p.timeCbs[i:])
	p.timeCbs[i] = e
	return Timeout{at: at, seq: e.seq}
}

// removeTime drops the entry a handle refers to, if it still exists.
func (p *Pollset) removeTime(at int64, seq uint64) bool {
	i := p.searchTime(at, seq)
	if i >= len(p.timeCbs) || p.timeCbs[i].seq != seq {
		return false
	}
	p.timeCbs = append(p.timeCbs[:i], p.timeCbs[i+1:]...)
	return true
}

// TimeoutAt schedules cb at an absolute deadline on the NowMs timeline.
// Callbacks sharing a deadline fire in scheduling order.
func (p *Pollset) TimeoutAt(ms int64, cb Cb) Timeout {
	return p.insertTime(ms, cb)
}

// TimeoutIn schedules cb delayMs milliseconds from now.
func (p *Pollset) TimeoutIn(delayMs int64, cb Cb) Timeout {
	return p.insertTime(NowMs()+delayMs, cb)
}

// TimeoutCancel removes the scheduled callback and nulls the handle.
func (p *Pollset) TimeoutCancel(t *Timeout) {
	if t.IsNull() {
		return
	}
	if !p.removeTime(t.at, t.seq) {
		panic("pollset: cancel of a fired Timeout")
	}
	*t = Timeout{}
}

// TimeoutRescheduleAt moves the callback to a new deadline without
// reallocating it, updating the handle in place. Among equal deadlines
// the callback takes the scheduling-order position of a fresh addition.
func (p *Pollset) TimeoutRescheduleAt(t *Timeout, ms int64) {
	if t.IsNull() {
		panic("pollset: reschedule of a null Timeout")
	}
	i := p.searchTime(t.at, t.seq)
	if i >= len(p.timeCbs) || p.timeCbs[i].seq != t.seq {
		panic("pollset: reschedule of a fired Timeout")
	}
	cb := p.timeCbs[i].cb
	p.timeCbs = append(p.timeCbs[:i], p.timeCbs[i+1:]...)
	*t = p.insertTime(ms, cb)
}

// runTimeouts fires every callback whose deadline passed, in deadline
// order with scheduling order as tie-break. now is sampled once; entries
// scheduled while dispatching, even for the sampled now or earlier, wait
// for the next cycle. An entry is removed after its callback returns, so
// a panicking callback stays scheduled.
func (p *Pollset) runTimeouts() {
	if len(p.timeCbs) == 0 {
		return
	}
	now := NowMs()
	mark := p.timeSeq
	for {
		var e *timeEntry
		for _, cand := range p.timeCbs {
			if cand.at > now {
				break
			}
			if cand.seq <= mark {
				e = cand
				break
			}
		}
		if e == nil {
			return
		}
		e.cb()
		p.removeTime(e.at, e.seq)
	}
}
