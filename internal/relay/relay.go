// Package relay admits paid, encrypted messages and serves them back to
// their owners.
//
// The AdmissionEngine resolves the recipient address, checks size and
// payment, and then claims the proof and stores the message in a single
// storage transaction. The RetrievalService authenticates owners before
// every read or delete, and the Sweeper evicts expired messages in bounded
// batches.
//
// Owners may raise the price of their mailbox with a Filter and publish a
// signed Profile. A Broker pushes newly admitted messages to connected
// owners.
package relay

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("relay")

const defaultPageSize = 100

type options struct {
	now      func() time.Time
	pageSize int
	broker   *Broker
}

// Option configures relay components.
type Option func(*options)

// WithClock sets the time source. Tests use it to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPageSize sets how many summaries the retrieval service reads per
// storage query.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithBroker connects a component to b. The admission engine publishes
// every newly stored message; the retrieval service lets owners watch.
func WithBroker(b *Broker) Option {
	return func(o *options) {
		o.broker = b
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:      time.Now,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// wallClock strips the monotonic reading so times compare equal after a
// round trip through storage.
func wallClock(now func() time.Time) time.Time {
	return now().Round(0).UTC()
}
