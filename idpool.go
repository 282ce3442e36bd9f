package emitz

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/zoobzio/clockz"
)

// Identifier widths in bytes. Hex encoding doubles them: 32 characters for a
// trace ID and 16 for a span ID.
const (
	traceIDBytes = 16
	spanIDBytes  = 8
)

// IDPool hands out pre-generated hex identifiers to amortize crypto/rand
// overhead on the span start path.
type IDPool struct {
	factory func() string
	ids     chan string
	stopCh  chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewIDPool creates a pool of the given capacity filled by factory in the
// background.
func NewIDPool(capacity int, factory func() string) *IDPool {
	pool := &IDPool{
		ids:     make(chan string, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	go pool.refill()
	return pool
}

// newHexIDPool creates a pool of random identifiers of size bytes.
// Identifiers are never all zeros, which OTLP treats as invalid.
func newHexIDPool(capacity, size int, clock clockz.Clock) *IDPool {
	return NewIDPool(capacity, func() string {
		return randomHexID(size, clock)
	})
}

// randomHexID returns size random bytes hex encoded. If crypto/rand fails the
// ID is derived from the clock so spans stay exportable.
func randomHexID(size int, clock clockz.Clock) string {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		binary.BigEndian.PutUint64(buf[size-8:], uint64(clock.Now().UnixNano()))
	}
	if isZero(buf) {
		buf[size-1] = 1
	}
	return hex.EncodeToString(buf)
}

func isZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// Get retrieves an ID from the pool, generating one inline when the pool is
// empty.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		return p.factory()
	}
}

func (p *IDPool) refill() {
	for {
		select {
		case <-p.stopCh:
			return
		case p.ids <- p.factory():
		}
	}
}

// Close stops the background refill. Get keeps working afterwards by falling
// back to the factory.
func (p *IDPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}
