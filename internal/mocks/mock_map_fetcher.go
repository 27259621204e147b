package mocks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MapFetcher serves payloads from a map after an artificial delay and counts
// how often every key was fetched and how many fetches overlapped.
type MapFetcher struct {
	delay time.Duration

	mu       sync.Mutex
	payloads map[string][]byte
	failures map[string]error
	calls    map[string]int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewMapFetcher returns a fetcher serving payloads, each fetch sleeping for
// delay (or until the context is done).
func NewMapFetcher(payloads map[string][]byte, delay time.Duration) *MapFetcher {
	if payloads == nil {
		payloads = map[string][]byte{}
	}
	return &MapFetcher{
		delay:    delay,
		payloads: payloads,
		failures: map[string]error{},
		calls:    map[string]int{},
	}
}

func (m *MapFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		peak := m.maxInFlight.Load()
		if n <= peak || m.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls[key]++
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failures[key]; ok {
		return nil, err
	}
	data, ok := m.payloads[key]
	if !ok {
		return nil, errNotFound{key: key}
	}
	return append([]byte(nil), data...), nil
}

// Set stores (or replaces) the payload for key and clears any failure.
func (m *MapFetcher) Set(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[key] = data
	delete(m.failures, key)
}

// Fail makes every subsequent fetch of key return err.
func (m *MapFetcher) Fail(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = err
}

// Calls returns how many times key was fetched.
func (m *MapFetcher) Calls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

// TotalCalls returns the number of fetches across all keys.
func (m *MapFetcher) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, c := range m.calls {
		total += c
	}
	return total
}

// MaxInFlight returns the highest number of overlapping fetches observed.
func (m *MapFetcher) MaxInFlight() int {
	return int(m.maxInFlight.Load())
}

type errNotFound struct {
	key string
}

func (e errNotFound) Error() string {
	return "no payload for " + e.key
}
