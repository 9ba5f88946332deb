package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/arkiv/testnet-faucet/internal/ledger"
)

// Recorder turns a reservation into a granted cooldown once the transfer
// has been broadcast. It is the only writer of granted entries.
type Recorder struct {
	ledger  ledger.Ledger
	timeout time.Duration
}

// NewRecorder returns a Recorder whose ledger writes are bounded by timeout.
func NewRecorder(l ledger.Ledger, timeout time.Duration) *Recorder {
	return &Recorder{ledger: l, timeout: timeout}
}

// Record commits r with txID. The request context's cancellation is
// ignored: the transfer has happened and the window must be stamped.
func (rec *Recorder) Record(ctx context.Context, r *ledger.Reservation, txID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rec.timeout)
	defer cancel()
	if err := rec.ledger.Commit(ctx, r, txID); err != nil {
		return fmt.Errorf("record %s: %w", txID, err)
	}
	return nil
}
