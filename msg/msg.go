// Package msg builds and parses length-prefixed RPC records and the
// 4-byte-aligned payloads inside them. A record is a 4-byte header (low
// 31 bits payload length, high bit marking the last and only fragment)
// followed by the payload padded with zero bytes to a 4-byte boundary.
// Pad bytes are not counted in the header length and receivers reject
// records whose padding is non-zero.
package msg

import (
	"encoding/binary"

	"github.com/bytedance/gopkg/lang/mcache"
)

// lastRecord marks the final fragment. Continuation fragments are not
// produced or consumed; every record carries exactly one fragment.
const lastRecord = 0x80000000

const headerLen = 4

// Message is a framed record: header plus payload in one buffer drawn
// from a size-class pool.
type Message struct {
	buf []byte
}

// Alloc returns a record sized for an n-byte payload with the header
// already written. n must be below 2^31; larger records cannot be
// framed and indicate API misuse.
func Alloc(n int) *Message {
	if n < 0 || uint64(n) >= lastRecord {
		panic("msg: record length out of range")
	}
	buf := mcache.Malloc(headerLen + n)
	binary.LittleEndian.PutUint32(buf, uint32(n)|lastRecord)
	return &Message{buf: buf}
}

// Size returns the payload length in bytes.
func (m *Message) Size() int { return len(m.buf) - headerLen }

// Raw returns the full record, header included, as it goes on the wire.
func (m *Message) Raw() []byte { return m.buf }

// Data returns the payload.
func (m *Message) Data() []byte { return m.buf[headerLen:] }

// Free returns the buffer to the pool. The message and every slice
// obtained from it must not be used afterwards.
func (m *Message) Free() {
	mcache.Free(m.buf)
	m.buf = nil
}

// ParseHeader splits a record header into payload length and the
// last-fragment bit. The header is read with the same byte order Alloc
// writes.
func ParseHeader(b []byte) (size int, last bool) {
	h := binary.LittleEndian.Uint32(b)
	return int(h &^ uint32(lastRecord)), h&lastRecord != 0
}
