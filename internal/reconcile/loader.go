package reconcile

import (
	"context"

	"github.com/tidewell/reservesync/internal/records"
)

// State indexes every currently active record by composite identity and by
// slot key. It is built synchronously before any entry is detected against it
// and is read-only for the remainder of the run.
type State struct {
	byIdentity map[string][]*records.ReservationRecord
	bySlot     map[records.SlotKey][]*records.ReservationRecord
	all        []*records.ReservationRecord
}

// LoadState bulk-reads the active records and builds the lookup indexes.
func LoadState(ctx context.Context, store *records.Store) (*State, error) {
	active, err := store.LoadActive(ctx)
	if err != nil {
		return nil, err
	}

	state := &State{
		byIdentity: make(map[string][]*records.ReservationRecord, len(active)),
		bySlot:     make(map[records.SlotKey][]*records.ReservationRecord, len(active)),
		all:        make([]*records.ReservationRecord, 0, len(active)),
	}
	for i := range active {
		record := &active[i]
		state.all = append(state.all, record)
		identity := record.IdentityKey()
		state.byIdentity[identity] = append(state.byIdentity[identity], record)
		slot := record.SlotKey()
		state.bySlot[slot] = append(state.bySlot[slot], record)
	}
	return state, nil
}

// ByIdentity returns the active records sighted under one composite identity.
func (s *State) ByIdentity(key string) []*records.ReservationRecord {
	return s.byIdentity[key]
}

// BySlot returns the active records occupying one slot key.
func (s *State) BySlot(key records.SlotKey) []*records.ReservationRecord {
	return s.bySlot[key]
}

// All returns every active record loaded for this run.
func (s *State) All() []*records.ReservationRecord {
	return s.all
}
