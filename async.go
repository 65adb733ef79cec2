package pollset

import "golang.org/x/sys/unix"

// Inject schedules cb to run on the dispatch goroutine. Safe to call
// from any goroutine. Injections are dispatched FIFO; one wake byte
// covers any number of queued callbacks.
func (p *Pollset) Inject(cb Cb) {
	p.asyncMu.Lock()
	p.asyncCbs.Add(cb)
	if !p.asyncPending {
		p.asyncPending = true
		p.wake(wakeAsync)
	}
	p.asyncMu.Unlock()
}

// injectTail requeues callbacks captured but not yet run, so a panic in
// the middle of a batch loses nothing.
func (p *Pollset) injectTail(cbs []Cb) {
	if len(cbs) == 0 {
		return
	}
	p.asyncMu.Lock()
	for _, cb := range cbs {
		p.asyncCbs.Add(cb)
	}
	if !p.asyncPending {
		p.asyncPending = true
		p.wake(wakeAsync)
	}
	p.asyncMu.Unlock()
}

// runPendingAsyncs is the wake pipe's read callback: drain the pipe,
// note signal wakes, then run the injected batch in order.
func (p *Pollset) runPendingAsyncs() {
	var buf [128]byte
	for {
		n, err := unix.Read(p.selfpipe[0], buf[:])
		if n <= 0 || err != nil {
			break
		}
		for i := 0; i < n && !p.signalPending; i++ {
			if wakeType(buf[i]) == wakeSignal {
				p.signalPending = true
			}
		}
	}

	p.asyncMu.Lock()
	p.asyncPending = false
	cbs := make([]Cb, 0, p.asyncCbs.Length())
	for p.asyncCbs.Length() > 0 {
		cbs = append(cbs, p.asyncCbs.Remove().(Cb))
	}
	p.asyncMu.Unlock()

	i := 0
	defer func() {
		if i < len(cbs) {
			p.injectTail(cbs[i+1:])
		}
	}()
	for ; i < len(cbs); i++ {
		cbs[i]()
	}
}
