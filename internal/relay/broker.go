package relay

import (
	"sync"
	"sync/atomic"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
	"github.com/spacedatanetwork/sdn-relay/internal/storage"
)

// DefaultBrokerBuffer is the per-subscriber queue length.
const DefaultBrokerBuffer = 16

// Notification announces a newly admitted message. Payload is shared
// between subscribers and must not be modified.
type Notification struct {
	Address address.Address
	Summary storage.Summary
	Payload []byte
}

// Broker fans admitted messages out to the owners watching their address.
// Publishing never blocks: a subscriber whose queue is full misses the
// notification and can catch up by listing.
type Broker struct {
	mu      sync.Mutex
	subs    map[address.Address]map[chan Notification]struct{}
	buffer  int
	dropped atomic.Uint64
}

// NewBroker creates a broker. A non-positive buffer selects
// DefaultBrokerBuffer.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBrokerBuffer
	}
	return &Broker{
		subs:   make(map[address.Address]map[chan Notification]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers interest in addr. The returned cancel func closes the
// channel and is safe to call more than once.
func (b *Broker) Subscribe(addr address.Address) (<-chan Notification, func()) {
	ch := make(chan Notification, b.buffer)

	b.mu.Lock()
	set, ok := b.subs[addr]
	if !ok {
		set = make(map[chan Notification]struct{})
		b.subs[addr] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			current := b.subs[addr]
			delete(current, ch)
			if len(current) == 0 {
				delete(b.subs, addr)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers n to every subscriber of n.Address.
func (b *Broker) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[n.Address] {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
			log.Debugf("Dropped notification of %s for a slow subscriber of %s", n.Summary.Digest, n.Address)
		}
	}
}

// Subscribers returns the number of live subscriptions for addr.
func (b *Broker) Subscribers(addr address.Address) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[addr])
}

// Dropped returns how many notifications were discarded for full queues.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
