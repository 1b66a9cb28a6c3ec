// state/instance.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const instanceFile = "instance.json"

// ActiveEntry is one asset in the instance-level "active positions" map.
type ActiveEntry struct {
	Direction Direction `json:"direction"`
	Size      float64   `json:"size"`
	OpenedAt  time.Time `json:"opened_at"`
}

// InstanceState is the per-instance aggregate descriptor: which assets the
// instance believes it holds and how many entry slots remain. It is
// bookkeeping for the entry workflow, reconciled against the exchange
// snapshot on every pass.
type InstanceState struct {
	InstanceKey     string                 `json:"instance_key"`
	SlotCapacity    int                    `json:"slot_capacity"`
	SlotsAvailable  int                    `json:"slots_available"`
	ActivePositions map[string]ActiveEntry `json:"active_positions"`
	RealizedPnL     float64                `json:"realized_pnl"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// NewInstanceState returns an empty descriptor with all slots free.
func NewInstanceState(key string, slotCapacity int) *InstanceState {
	return &InstanceState{
		InstanceKey:     key,
		SlotCapacity:    slotCapacity,
		SlotsAvailable:  slotCapacity,
		ActivePositions: make(map[string]ActiveEntry),
	}
}

// LoadInstance reads the instance descriptor, creating a fresh one when the
// file does not exist yet.
func (s *Store) LoadInstance(instanceKey string, slotCapacity int) (*InstanceState, error) {
	path := filepath.Join(s.dir, instanceKey, instanceFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewInstanceState(instanceKey, slotCapacity), nil
		}
		return nil, err
	}

	st := NewInstanceState(instanceKey, slotCapacity)
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("failed to decode instance descriptor %s: %w", path, err)
	}
	if st.ActivePositions == nil {
		st.ActivePositions = make(map[string]ActiveEntry)
	}
	if st.SlotCapacity == 0 {
		st.SlotCapacity = slotCapacity
	}
	return st, nil
}

// SaveInstance atomically persists the instance descriptor.
func (s *Store) SaveInstance(st *InstanceState) error {
	st.UpdatedAt = time.Now()
	return s.writeAtomic(filepath.Join(s.dir, st.InstanceKey, instanceFile), st)
}
