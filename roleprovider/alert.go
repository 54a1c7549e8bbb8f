package roleprovider

import (
	"context"
	"fmt"

	"github.com/sdcgo/sdc11073/mdib"
)

// AlertSource reports the current activation/presence for one alert
// condition or signal descriptor, polled by the owner of the MDIB whenever
// a triggering event (e.g. a metric crossing a limit) occurs. Unlike
// waveform sampling, alert state changes are event-driven rather than
// polled on a ticker, so this package exposes a direct apply function
// instead of a second pump.
type AlertSource interface {
	CurrentState() (active bool, presence string)
}

// ApplyAlertState stages an alert condition/signal state change within an
// already-open TxAlert transaction.
func ApplyAlertState(tx *mdib.Transaction, descriptorHandle string, active bool, presence string) error {
	state, err := tx.GetState(descriptorHandle)
	if err != nil {
		return fmt.Errorf("roleprovider: alert state %q: %w", descriptorHandle, err)
	}
	state.AlertActive = active
	state.AlertPresence = presence
	return tx.PutState(state)
}

// RaiseAlert opens its own TxAlert transaction, applies the state change,
// and commits it. Used by sources that raise outside of a larger batched
// transaction (the common case: one triggering metric update implies one
// alert condition change).
func RaiseAlert(ctx context.Context, mdibMgr *mdib.Manager, descriptorHandle string, active bool, presence string) (mdib.ChangeSet, error) {
	tx := mdibMgr.Begin(mdib.TxAlert)
	if err := ApplyAlertState(tx, descriptorHandle, active, presence); err != nil {
		tx.Rollback()
		return mdib.ChangeSet{}, err
	}
	return tx.Commit()
}
