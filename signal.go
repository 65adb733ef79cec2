package pollset

import (
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// numSig bounds valid signal numbers, exclusive. Matches NSIG on Linux.
const numSig = 65

// Signal dispatch is process-wide because signal disposition is. At most
// one pollset owns a signal at a time; the owner is read lock-free by
// the router goroutine, everything else mutates under signalOwnersMu.
//
// signalFlags holds three states per signal: 0 idle, 1 wake in progress
// inside the router, 2 wake complete and delivery pending. The 1 state
// lets teardown spin until an in-flight wake stops touching the pollset
// it is about to orphan.
var (
	signalOwnersMu sync.Mutex
	signalOwners   [numSig]atomic.Pointer[Pollset]
	signalFlags    [numSig]atomic.Int32

	signalCh   chan os.Signal
	signalOnce sync.Once
)

func checkSignal(sig int) {
	if sig <= 0 || sig >= numSig {
		panic("pollset: signal number out of range")
	}
}

// routeSignals is the user-level half of the kernel's delivery: mark the
// flag, poke the owning pollset's pipe, mark the wake complete. It never
// locks and never runs user code.
func routeSignals() {
	for s := range signalCh {
		sig, ok := s.(syscall.Signal)
		if !ok || int(sig) <= 0 || int(sig) >= numSig {
			continue
		}
		if signalFlags[sig].Load() != 0 {
			continue
		}
		signalFlags[sig].Store(1)
		if ps := signalOwners[sig].Load(); ps != nil {
			ps.wake(wakeSignal)
		}
		signalFlags[sig].Store(2)
	}
}

// SignalCb installs cb as this pollset's handler for sig, taking over
// ownership from any other pollset. A nil cb removes the handler and
// restores the default disposition; a delivery that already raced in is
// re-raised so the default disposition sees it exactly once.
func (p *Pollset) SignalCb(sig int, cb Cb) {
	checkSignal(sig)
	if cb == nil {
		signalOwnersMu.Lock()
		defer signalOwnersMu.Unlock()
		eraseSignalCb(sig)
		return
	}
	signalOnce.Do(func() {
		signalCh = make(chan os.Signal, 128)
		go routeSignals()
	})

	signalOwnersMu.Lock()
	defer signalOwnersMu.Unlock()
	p.sigCbs[sig] = cb
	owner := signalOwners[sig].Load()
	if owner == p {
		return
	}
	if owner != nil {
		signalOwners[sig].Store(p)
		delete(owner.sigCbs, sig)
	} else {
		signalOwners[sig].Store(p)
		signal.Notify(signalCh, syscall.Signal(sig))
	}
	if signalFlags[sig].Load() != 0 {
		p.wake(wakeSignal)
	}
}

// eraseSignalCb releases ownership of sig. signalOwnersMu must be held.
func eraseSignalCb(sig int) {
	ps := signalOwners[sig].Load()
	if ps == nil {
		return
	}

	// back to the default disposition before dropping the owner
	signal.Reset(syscall.Signal(sig))
	signalOwners[sig].Store(nil)
	delete(ps.sigCbs, sig)

	for signalFlags[sig].Load()&1 == 1 {
		runtime.Gosched()
	}

	if signalFlags[sig].Load() != 0 {
		signalFlags[sig].Store(0)
		unix.Kill(unix.Getpid(), syscall.Signal(sig))
	}
}

// runSignalHandlers delivers pending signals to this pollset's
// callbacks. The table lock is released around each callback so it can
// re-enter signal registration; another pollset may steal our callbacks
// whenever the lock is dropped, hence the re-lookup per signal.
func (p *Pollset) runSignalHandlers() {
	if !p.signalPending {
		return
	}

	signalOwnersMu.Lock()
	locked := true
	defer func() {
		if locked {
			signalOwnersMu.Unlock()
		}
	}()

	var pending []int
	for sig := range p.sigCbs {
		if signalFlags[sig].Load() != 0 {
			pending = append(pending, sig)
		}
	}

	for _, sig := range pending {
		cb, ok := p.sigCbs[sig]
		if !ok {
			continue
		}
		for signalFlags[sig].Load()&1 == 1 {
			runtime.Gosched()
		}
		signalFlags[sig].Store(0)
		locked = false
		signalOwnersMu.Unlock()
		cb()
		signalOwnersMu.Lock()
		locked = true
	}
	p.signalPending = false
}
