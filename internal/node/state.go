// Package node implements the sensor node's single wake cycle: recover the
// retained counter, announce the button state, then power off.
package node

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Retained byte layout
const (
	StateMarker  uint8 = 0xD // bits [7:4]
	markerShift        = 4
	loopMask     uint8 = 0x0F // bits [3:0]
	LoopCountMax       = 15
)

// PersistentNodeState is the only state that survives a power-off
type PersistentNodeState struct {
	Valid     bool
	LoopCount uint8 // 0..15
}

// Pack encodes the state into the retained byte with the validity marker
func (s PersistentNodeState) Pack() uint8 {
	return StateMarker<<markerShift | s.LoopCount&loopMask
}

// Unpack decodes a retained byte. A byte without the marker is not ours.
func Unpack(b uint8) PersistentNodeState {
	if b>>markerShift != StateMarker {
		return PersistentNodeState{}
	}
	return PersistentNodeState{Valid: true, LoopCount: b & loopMask}
}

// Next returns the state for the following wake, wrapping at 4 bits
func (s PersistentNodeState) Next() PersistentNodeState {
	if !s.Valid {
		return PersistentNodeState{Valid: true, LoopCount: 1}
	}
	return PersistentNodeState{Valid: true, LoopCount: (s.LoopCount + 1) & loopMask}
}

func (s PersistentNodeState) String() string {
	if !s.Valid {
		return "invalid"
	}
	return fmt.Sprintf("loop:%d", s.LoopCount)
}

// RetainedRegister is a byte that survives a full power-off
type RetainedRegister interface {
	Load() (uint8, error)
	Store(b uint8) error
}

// MemoryRegister keeps the retained byte in memory
type MemoryRegister struct {
	mu    sync.Mutex
	value uint8
}

// NewMemoryRegister creates a register holding value
func NewMemoryRegister(value uint8) *MemoryRegister {
	return &MemoryRegister{value: value}
}

func (r *MemoryRegister) Load() (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, nil
}

func (r *MemoryRegister) Store(b uint8) error {
	r.mu.Lock()
	r.value = b
	r.mu.Unlock()
	return nil
}

// FileRegister keeps the retained byte in a one-byte file. A missing or
// empty file reads as zero, like a register after first power-up.
type FileRegister struct {
	path string
}

// NewFileRegister creates a register backed by path
func NewFileRegister(path string) *FileRegister {
	return &FileRegister{path: path}
}

func (r *FileRegister) Load() (uint8, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read retained register: %w", err)
	}
	if len(data) == 0 {
		return 0, nil
	}
	return data[0], nil
}

func (r *FileRegister) Store(b uint8) error {
	if err := os.WriteFile(r.path, []byte{b}, 0o644); err != nil {
		return fmt.Errorf("failed to write retained register: %w", err)
	}
	return nil
}

// Clear removes the backing file, forcing a cold boot
func (r *FileRegister) Clear() error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear retained register: %w", err)
	}
	return nil
}
