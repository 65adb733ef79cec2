package pollset

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// checkState verifies the poll array and the fd records stay in sync:
// every record's idx points at the entry carrying its fd.
func checkState(t *testing.T, p *Pollset) {
	t.Helper()
	for fd, fs := range p.state {
		require.Less(t, fs.idx, len(p.pollfds))
		require.Equal(t, int32(fd), p.pollfds[fs.idx].Fd)
	}
	require.Equal(t, len(p.pollfds), len(p.state))
}

func pipePair(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, SetNonblock(fds[0]))
	require.NoError(t, SetNonblock(fds[1]))
	t.Cleanup(func() {
		ReallyClose(fds[0])
		ReallyClose(fds[1])
	})
	return fds[0], fds[1]
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		ReallyClose(fds[0])
		ReallyClose(fds[1])
	})
	return fds[0], fds[1]
}

func TestNewClose(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	require.False(t, p.Pending())
	require.Len(t, p.pollfds, 1)
	require.NoError(t, p.Close())
}

func TestOneshotRead(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipePair(t)
	fired := 0
	var buf [16]byte
	p.FdCb(r, ReadOnce, func() {
		fired++
		unix.Read(r, buf[:])
	})
	require.True(t, p.Pending())

	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)
	require.NoError(t, p.RunOnce(0))
	require.Equal(t, 1, fired)

	// interest is gone, the record was consolidated
	require.Len(t, p.pollfds, 1)
	require.False(t, p.Pending())

	_, err = unix.Write(w, []byte{2})
	require.NoError(t, err)
	require.NoError(t, p.RunOnce(0))
	require.Equal(t, 1, fired)
	checkState(t, p)
}

func TestPersistentRead(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipePair(t)
	fired := 0
	var buf [16]byte
	p.FdCb(r, Read, func() {
		fired++
		unix.Read(r, buf[:])
	})

	for i := 1; i <= 3; i++ {
		_, err = unix.Write(w, []byte{byte(i)})
		require.NoError(t, err)
		require.NoError(t, p.RunOnce(0))
		require.Equal(t, i, fired)
	}
	require.Len(t, p.pollfds, 2)
	checkState(t, p)
}

func TestWriteReadiness(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	a, _ := socketPair(t)
	fired := 0
	p.FdCb(a, WriteOnce, func() { fired++ })
	require.NoError(t, p.RunOnce(0))
	require.Equal(t, 1, fired)
	require.Len(t, p.pollfds, 1)
}

func TestClearBeforeFire(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipePair(t)
	p.FdCb(r, Read, func() { t.Fatal("cleared callback fired") })
	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)

	p.FdCb(r, Read, nil)
	require.False(t, p.Pending()) // no callback left, though the record consolidates only at end of next cycle
	require.NoError(t, p.RunOnce(0))
	require.False(t, p.Pending())
	require.Len(t, p.pollfds, 1)
	checkState(t, p)
}

func TestReplaceCallback(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipePair(t)
	var buf [16]byte
	first, second := 0, 0
	p.FdCb(r, Read, func() { first++ })
	p.FdCb(r, Read, func() {
		second++
		unix.Read(r, buf[:])
	})

	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)
	require.NoError(t, p.RunOnce(0))
	require.Equal(t, 0, first)
	require.Equal(t, 1, second)
}

func TestSelfModifyingCallback(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	a, b := socketPair(t)
	var reads, writes int
	p.FdCb(a, Read, func() {
		reads++
		var buf [1]byte
		unix.Read(a, buf[:])
		p.FdCb(a, Read, nil)
		p.FdCb(a, Write, func() {
			writes++
			p.FdCb(a, Write, nil)
		})
	})

	_, err = unix.Write(b, []byte{1})
	require.NoError(t, err)
	require.NoError(t, p.RunOnce(0))
	require.Equal(t, 1, reads)
	require.Equal(t, 0, writes) // write interest arrived after poll returned

	// one entry beyond the wake pipe survives consolidation
	require.Len(t, p.pollfds, 2)
	checkState(t, p)

	require.NoError(t, p.RunOnce(0))
	require.Equal(t, 1, writes)
	require.Len(t, p.pollfds, 1)
	checkState(t, p)
}

func TestConsolidateKeepsIndexes(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	var pairs [4][2]int
	for i := range pairs {
		r, w := pipePair(t)
		pairs[i] = [2]int{r, w}
		p.FdCb(r, Read, func() {})
	}
	require.Len(t, p.pollfds, 5)
	checkState(t, p)

	// drop the two in the middle, consolidation swaps from the back
	p.FdCb(pairs[1][0], Read, nil)
	p.FdCb(pairs[2][0], Read, nil)
	require.NoError(t, p.RunOnce(0))
	require.Len(t, p.pollfds, 3)
	checkState(t, p)
	for i := 1; i < len(p.pollfds); i++ {
		require.NotZero(t, p.pollfds[i].Events)
	}
}

func TestFdCbPanics(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, _ := pipePair(t)
	require.Panics(t, func() { p.FdCb(r, Read|Write, func() {}) })
	require.Panics(t, func() { p.FdCb(r, opOnce, func() {}) })
}

func TestRunDrains(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w := pipePair(t)
	var buf [1]byte
	p.FdCb(r, ReadOnce, func() { unix.Read(r, buf[:]) })
	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)
	p.TimeoutIn(2, func() {})

	require.NoError(t, p.Run())
	require.False(t, p.Pending())
}
