package state

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

var ErrInvalidCadence = errors.New("cadence must be > 0 and fit a time.Duration")

// MaxCadenceMillis is the largest cadence whose time.Duration does not overflow.
const MaxCadenceMillis = math.MaxInt64 / int64(time.Millisecond)

// Snapshot is a consistent copy of the device state.
type Snapshot struct {
	Reading        float64 `json:"reading"`
	Sequence       uint64  `json:"sequence"`
	CadenceMillis  int64   `json:"cadenceMillis"`
	PublishEnabled bool    `json:"publishEnabled"`
}

// DeviceState is shared by the publisher, command handlers and config sync.
// reading and sequence move together under mu; cadence and the enabled flag
// are independent single values.
type DeviceState struct {
	mu       sync.Mutex
	reading  float64
	sequence uint64

	cadenceMillis  atomic.Int64
	publishEnabled atomic.Bool
}

func New(initialReading float64, cadence time.Duration, enabled bool) (*DeviceState, error) {
	ms := cadence.Milliseconds()
	if ms <= 0 {
		return nil, ErrInvalidCadence
	}
	s := &DeviceState{reading: initialReading}
	s.cadenceMillis.Store(ms)
	s.publishEnabled.Store(enabled)
	return s, nil
}

func (s *DeviceState) Reading() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

func (s *DeviceState) SetReading(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading = v
}

func (s *DeviceState) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

// Advance replaces the reading with next(current) and bumps the sequence in
// one critical section. The returned snapshot carries the new values.
func (s *DeviceState) Advance(next func(current float64) float64) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading = next(s.reading)
	s.sequence++
	return s.snapshotLocked()
}

func (s *DeviceState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *DeviceState) snapshotLocked() Snapshot {
	return Snapshot{
		Reading:        s.reading,
		Sequence:       s.sequence,
		CadenceMillis:  s.cadenceMillis.Load(),
		PublishEnabled: s.publishEnabled.Load(),
	}
}

func (s *DeviceState) CadenceMillis() int64 { return s.cadenceMillis.Load() }

func (s *DeviceState) Cadence() time.Duration {
	return time.Duration(s.cadenceMillis.Load()) * time.Millisecond
}

// SetCadenceMillis rejects values <= 0 or above MaxCadenceMillis and keeps
// the previous cadence.
func (s *DeviceState) SetCadenceMillis(ms int64) error {
	if ms <= 0 || ms > MaxCadenceMillis {
		return ErrInvalidCadence
	}
	s.cadenceMillis.Store(ms)
	return nil
}

func (s *DeviceState) PublishEnabled() bool { return s.publishEnabled.Load() }

func (s *DeviceState) SetPublishEnabled(v bool) { s.publishEnabled.Store(v) }
