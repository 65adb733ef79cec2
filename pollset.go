// Package pollset implements a single-threaded poll(2) reactor: readiness
// callbacks on file descriptors, millisecond timers, POSIX signal delivery
// and cross-goroutine callback injection, all dispatched from one loop.
//
// A Pollset is not safe for concurrent dispatch. Inject and the signal
// machinery are the only entry points safe to call from other goroutines.
package pollset

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// Cb is a registered callback. Callbacks run on the goroutine calling
// RunOnce/Run and may freely mutate the pollset they fire from.
type Cb func()

// Op selects the direction of an FdCb registration. Read and Write must
// not be combined in a single call.
type Op uint8

const (
	opRead Op = 1 << iota
	opWrite
	opOnce

	Read      = opRead
	Write     = opWrite
	ReadOnce  = opRead | opOnce
	WriteOnce = opWrite | opOnce
)

type fdState struct {
	// position in pollfds, kept in sync across consolidation
	idx      int
	rcb, wcb Cb
	roneshot bool
	woneshot bool
}

// wake bytes written to the self pipe. A Signal byte tells the drain
// callback that signal flags need to be scanned this cycle.
type wakeType byte

const (
	wakeAsync wakeType = iota
	wakeSignal
)

// Pollset multiplexes fd readiness, timers, signals and injected
// callbacks into a single dispatch loop.
type Pollset struct {
	selfpipe [2]int

	// dense poll(2) argument. Slot 0 is always the self pipe read end.
	pollfds []unix.PollFd
	state   map[int]*fdState

	timeCbs []*timeEntry
	timeSeq uint64

	asyncMu      sync.Mutex
	asyncCbs     *queue.Queue
	asyncPending bool

	signalPending bool
	// guarded by signalOwnersMu, not by the pollset
	sigCbs map[int]Cb
}

// New creates a pollset with its wake pipe registered at slot 0.
func New() (*Pollset, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range fds {
		SetCloseOnExec(fd)
		if err := SetNonblock(fd); err != nil {
			ReallyClose(fds[0])
			ReallyClose(fds[1])
			return nil, err
		}
	}
	p := &Pollset{
		selfpipe: fds,
		state:    make(map[int]*fdState),
		asyncCbs: queue.New(),
		sigCbs:   make(map[int]Cb),
	}
	p.FdCb(fds[0], Read, p.runPendingAsyncs)
	return p, nil
}

// Close releases owned signals and closes the wake pipe. Pending timers
// and injected callbacks are dropped.
func (p *Pollset) Close() error {
	signalOwnersMu.Lock()
	for sig := range p.sigCbs {
		eraseSignalCb(sig)
	}
	signalOwnersMu.Unlock()

	p.FdCb(p.selfpipe[0], Read, nil)
	err := ReallyClose(p.selfpipe[0])
	if e := ReallyClose(p.selfpipe[1]); err == nil {
		err = e
	}
	return err
}

// wake breaks the blocking poll call. Safe from any goroutine; the write
// end is non-blocking, a full pipe already guarantees a wakeup.
func (p *Pollset) wake(wt wakeType) {
	buf := [1]byte{byte(wt)}
	unix.Write(p.selfpipe[1], buf[:])
}

// FdCb installs cb for one direction on fd, replacing any previous
// callback for that direction. A nil cb clears the direction; the record
// is consolidated at the end of the cycle once both directions are gone.
// Registering Read|Write in one call is a programming error.
func (p *Pollset) FdCb(fd int, op Op, cb Cb) {
	if cb == nil {
		p.clearFdCb(fd, op)
		return
	}
	fs := p.state[fd]
	if fs == nil {
		fs = &fdState{idx: -1}
		p.state[fd] = fs
	}
	if fs.idx < 0 {
		fs.idx = len(p.pollfds)
		p.pollfds = append(p.pollfds, unix.PollFd{Fd: int32(fd)})
	} else if p.pollfds[fs.idx].Fd != int32(fd) {
		panic("pollset: poll entry out of sync with fd state")
	}
	switch {
	case op&opRead != 0:
		if op&opWrite != 0 {
			panic("pollset: FdCb called with both Read and Write")
		}
		fs.roneshot = op&opOnce != 0
		p.pollfds[fs.idx].Events |= unix.POLLIN
		fs.rcb = cb
	case op&opWrite != 0:
		fs.woneshot = op&opOnce != 0
		p.pollfds[fs.idx].Events |= unix.POLLOUT
		fs.wcb = cb
	default:
		panic("pollset: FdCb called with neither Read nor Write")
	}
}

func (p *Pollset) clearFdCb(fd int, op Op) {
	fs := p.state[fd]
	if fs == nil {
		return
	}
	if op&opRead != 0 {
		p.pollfds[fs.idx].Events &^= unix.POLLIN
		fs.rcb = nil
	}
	if op&opWrite != 0 {
		p.pollfds[fs.idx].Events &^= unix.POLLOUT
		fs.wcb = nil
	}
}

// Pending reports whether any fd callback besides the wake pipe, queued
// injection or scheduled timer exists. Registered signal callbacks alone
// do not keep a pollset pending.
func (p *Pollset) Pending() bool {
	p.asyncMu.Lock()
	nasync := p.asyncCbs.Length()
	p.asyncMu.Unlock()
	if nasync > 0 || len(p.timeCbs) > 0 {
		return true
	}
	// a cleared record awaiting consolidation has no interest left
	for _, pfd := range p.pollfds[1:] {
		if pfd.Events != 0 {
			return true
		}
	}
	return false
}

var monoStart = time.Now()

// NowMs returns the reactor clock: milliseconds on a monotonic timeline.
// Deadlines passed to TimeoutAt are on this timeline.
func NowMs() int64 {
	return int64(time.Since(monoStart) / time.Millisecond)
}
