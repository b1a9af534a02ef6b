// Package mailbox queues received messages for test code to read.
package mailbox

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/infodancer/smtptest/internal/smtp"
)

// pollInterval bounds each wait inside Messages so the iterator notices a
// stopped mailbox or a cancelled context.
const pollInterval = time.Second

// Mailbox is a FIFO of received messages. Delivery wakes every waiting
// reader; readers drain the whole queue at once.
type Mailbox struct {
	mu       sync.Mutex
	messages []*smtp.Message
	running  bool
	// changed is closed and replaced whenever messages arrive or the
	// running flag flips.
	changed chan struct{}
}

// New returns a stopped, empty mailbox.
func New() *Mailbox {
	return &Mailbox{changed: make(chan struct{})}
}

// broadcast wakes all waiters. Callers hold mu.
func (m *Mailbox) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Start marks the mailbox running. Messages are only handed out while it
// runs.
func (m *Mailbox) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	m.broadcast()
}

// Stop marks the mailbox stopped and releases every waiting reader.
// Queued messages are kept but no longer returned.
func (m *Mailbox) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.broadcast()
}

// Running reports whether the mailbox was started and not stopped since.
func (m *Mailbox) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Deliver appends msg and wakes waiting readers.
func (m *Mailbox) Deliver(msg *smtp.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	m.broadcast()
}

// Sink returns an smtp.Sink that delivers into m.
func (m *Mailbox) Sink() smtp.Sink {
	return func(_ context.Context, msg *smtp.Message) error {
		m.Deliver(msg)
		return nil
	}
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Drain removes and returns every queued message. When the queue is empty
// and maxWait >= 0 it waits up to maxWait for a delivery and checks once
// more. A stopped mailbox returns nil immediately.
func (m *Mailbox) Drain(maxWait time.Duration) []*smtp.Message {
	return m.drain(context.Background(), maxWait)
}

func (m *Mailbox) drain(ctx context.Context, maxWait time.Duration) []*smtp.Message {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	if len(m.messages) == 0 && maxWait >= 0 {
		changed := m.changed
		m.mu.Unlock()

		timer := time.NewTimer(maxWait)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()

		m.mu.Lock()
	}
	defer m.mu.Unlock()

	if !m.running || len(m.messages) == 0 {
		return nil
	}
	out := m.messages
	m.messages = nil
	return out
}

// Messages returns an iterator over incoming messages. It yields queued
// messages in arrival order and blocks for new ones until the mailbox
// stops, ctx ends or the caller breaks. Every call creates an independent
// reader; concurrent readers compete for messages.
func (m *Mailbox) Messages(ctx context.Context) iter.Seq[*smtp.Message] {
	return func(yield func(*smtp.Message) bool) {
		var local []*smtp.Message
		for {
			for len(local) > 0 {
				msg := local[0]
				local = local[1:]
				if !yield(msg) {
					return
				}
			}
			for len(local) == 0 {
				if ctx.Err() != nil || !m.Running() {
					return
				}
				local = m.drain(ctx, pollInterval)
			}
		}
	}
}
