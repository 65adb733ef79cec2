package pollset

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// nextTimeout clamps the caller's timeout to the first timer deadline.
// ms < 0 means wait indefinitely.
func (p *Pollset) nextTimeout(ms int) int {
	if len(p.timeCbs) == 0 {
		return ms
	}
	now := NowMs()
	first := p.timeCbs[0].at
	if now >= first {
		return 0
	}
	wait := first - now
	if wait > math.MaxInt32 {
		wait = math.MaxInt32
	}
	if ms >= 0 && int64(ms) <= wait {
		return ms
	}
	return int(wait)
}

// RunOnce blocks for at most timeoutMs milliseconds (negative blocks
// indefinitely, zero polls) and then drains everything that became
// ready: fd callbacks first, then expired timers, then signal handlers,
// then consolidation of the poll array. EINTR is swallowed. A panicking
// callback propagates out before consolidation runs; no queued work is
// lost.
func (p *Pollset) RunOnce(timeoutMs int) error {
	n, err := unix.Poll(p.pollfds, p.nextTimeout(timeoutMs))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("poll: %w", err)
	}

	// Callbacks may register new fds and grow pollfds; entries appended
	// during this cycle are not inspected, and every access re-indexes
	// the slice because append can move it.
	maxpoll := len(p.pollfds)
	for i := 0; n > 0 && i < maxpoll; i++ {
		revents := p.pollfds[i].Revents
		if revents == 0 {
			continue
		}
		n--
		if revents&unix.POLLNVAL != 0 {
			panic("pollset: invalid descriptor in poll set")
		}
		fs := p.state[int(p.pollfds[i].Fd)]
		if fs == nil {
			continue
		}
		if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 && fs.rcb != nil {
			if fs.roneshot {
				cb := fs.rcb
				fs.rcb = nil
				p.pollfds[fs.idx].Events &^= unix.POLLIN
				cb()
			} else {
				fs.rcb()
			}
		}
		if revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 && fs.wcb != nil {
			if fs.woneshot {
				cb := fs.wcb
				fs.wcb = nil
				p.pollfds[fs.idx].Events &^= unix.POLLOUT
				cb()
			} else {
				fs.wcb()
			}
		}
	}

	p.runTimeouts()
	p.runSignalHandlers()
	p.consolidate()
	return nil
}

// Run dispatches until no fd callbacks, timers or injected callbacks
// remain. Termination is the caller's job: cancel everything.
func (p *Pollset) Run() error {
	for p.Pending() {
		if err := p.RunOnce(-1); err != nil {
			return err
		}
	}
	return nil
}

// consolidate drops records with an empty interest mask, swap-and-pop,
// keeping every surviving state's idx accurate. Slot 0 carries POLLIN
// for the wake pipe and therefore survives until Close clears it.
func (p *Pollset) consolidate() {
	for len(p.pollfds) > 0 && p.pollfds[len(p.pollfds)-1].Events == 0 {
		delete(p.state, int(p.pollfds[len(p.pollfds)-1].Fd))
		p.pollfds = p.pollfds[:len(p.pollfds)-1]
	}

	for i := len(p.pollfds) - 2; i >= 0; i-- {
		if p.pollfds[i].Events != 0 {
			continue
		}
		delete(p.state, int(p.pollfds[i].Fd))
		last := len(p.pollfds) - 1
		p.pollfds[i] = p.pollfds[last]
		p.pollfds = p.pollfds[:last]
		p.state[int(p.pollfds[i].Fd)].idx = i
	}
}
