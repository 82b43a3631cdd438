package swap

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is one entry of a swap's append-only state log. Payload holds key
// material and is never served over the API.
type Record struct {
	SwapID    uuid.UUID       `json:"swapId"`
	Seq       int64           `json:"seq"`
	State     string          `json:"state"`
	Payload   json.RawMessage `json:"-"`
	Terminal  bool            `json:"terminal"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Decode restores the state the record holds.
func (r *Record) Decode() (State, error) {
	return Decode(r.State, r.Payload)
}

// Store persists swap state logs. Appends for different swaps may run
// concurrently.
type Store interface {
	// Append adds rec to its swap's log, assigning Seq and CreatedAt.
	Append(ctx context.Context, rec *Record) error
	// Latest returns the newest record for id, or ErrSwapNotFound.
	Latest(ctx context.Context, id uuid.UUID) (*Record, error)
	// History returns every record for id in append order.
	History(ctx context.Context, id uuid.UUID) ([]*Record, error)
	// ListUnfinished returns the latest record of each swap not yet in a
	// terminal state, oldest first.
	ListUnfinished(ctx context.Context, limit int) ([]*Record, error)
}

func newRecord(id uuid.UUID, s State) (*Record, error) {
	payload, err := Encode(s)
	if err != nil {
		return nil, err
	}
	return &Record{SwapID: id, State: s.Name(), Payload: payload, Terminal: IsComplete(s)}, nil
}
