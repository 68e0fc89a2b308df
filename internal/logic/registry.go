package logic

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// MaxBeams is the number of beam indices a Registry can hold.
const MaxBeams = 32

var (
	// ErrBeamIndexRange indicates a beam index outside 0..MaxBeams-1.
	ErrBeamIndexRange = errors.New("beam index out of range")
	// ErrBeamClaimed indicates another detector already owns the index.
	ErrBeamClaimed = errors.New("beam index already claimed")
)

// Registry aggregates the blocked state of every photodetector sharing it
// into one bitmask, one bit per beam index. The mask is updated with
// compare-and-swap so detectors polled from different goroutines never lose
// each other's bits.
type Registry struct {
	mask atomic.Uint32

	mu      sync.Mutex
	claimed uint32
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Claim reserves index for exclusive writing through the returned Slot.
func (r *Registry) Claim(index uint8) (*Slot, error) {
	if index >= MaxBeams {
		return nil, fmt.Errorf("claim %d: %w", index, ErrBeamIndexRange)
	}
	bit := uint32(1) << index

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed&bit != 0 {
		return nil, fmt.Errorf("claim %d: %w", index, ErrBeamClaimed)
	}
	r.claimed |= bit
	return &Slot{reg: r, index: index, bit: bit}, nil
}

// Mask returns the current bitmask.
func (r *Registry) Mask() uint32 {
	return r.mask.Load()
}

// Blocked reports the bit for index.
func (r *Registry) Blocked(index uint8) bool {
	if index >= MaxBeams {
		return false
	}
	return r.mask.Load()&(uint32(1)<<index) != 0
}

func (r *Registry) set(bit uint32, blocked bool) {
	for {
		old := r.mask.Load()
		next := old &^ bit
		if blocked {
			next |= bit
		}
		if old == next || r.mask.CompareAndSwap(old, next) {
			return
		}
	}
}

func (r *Registry) release(bit uint32) {
	r.mu.Lock()
	r.claimed &^= bit
	r.mu.Unlock()
	r.set(bit, false)
}

// Slot is the write handle for a single registry bit.
type Slot struct {
	reg      *Registry
	index    uint8
	bit      uint32
	released atomic.Bool
}

// Index returns the beam index this slot writes.
func (s *Slot) Index() uint8 {
	return s.index
}

// Set writes this slot's bit. It is a no-op after Release.
func (s *Slot) Set(blocked bool) {
	if s.released.Load() {
		return
	}
	s.reg.set(s.bit, blocked)
}

// Release clears the bit and frees the index for another detector.
func (s *Slot) Release() {
	if s.released.Swap(true) {
		return
	}
	s.reg.release(s.bit)
}
