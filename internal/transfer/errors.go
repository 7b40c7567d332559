package transfer

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Transfer errors
var (
	ErrAlreadyRunning = errors.New("download manager already running")
	ErrNotRunning     = errors.New("download manager not running")
	ErrUnknownLink    = errors.New("unknown link kind")
	ErrCancelled      = errors.New("download cancelled")
	// ErrNetworkChanged cancels running transfers when the allowed network set changes.
	// Transfers cancelled with it are retried.
	ErrNetworkChanged = errors.New("allowed network types changed")
)

// TransferError is broadcast on the ErrorChannel for every failed or cancelled file.
type TransferError struct {
	VolumeID  string
	FileID    string
	Cause     error
	Cancelled bool
}

func (e TransferError) Error() string {
	if e.Cancelled {
		return fmt.Sprintf("download of %s/%s cancelled: %v", e.VolumeID, e.FileID, e.Cause)
	}
	return fmt.Sprintf("download of %s/%s failed: %v", e.VolumeID, e.FileID, e.Cause)
}

func (e TransferError) Unwrap() error { return e.Cause }

// ErrorChannel broadcasts TransferErrors to any number of subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
type ErrorChannel struct {
	mu   sync.Mutex
	next int
	subs map[int]chan TransferError
}

// NewErrorChannel creates a channel with no subscribers.
func NewErrorChannel() *ErrorChannel {
	return &ErrorChannel{subs: make(map[int]chan TransferError)}
}

// Subscribe registers a subscriber with the given buffer size. The returned func
// unsubscribes and closes the channel.
func (c *ErrorChannel) Subscribe(buffer int) (<-chan TransferError, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.next
	c.next++
	ch := make(chan TransferError, buffer)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

func (c *ErrorChannel) publish(ev TransferError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			log.WithFields(log.Fields{"subscriber": id, "fileId": ev.FileID}).Warn("Error channel subscriber is full, dropping event")
		}
	}
}
