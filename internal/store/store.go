// Package store defines where transfer facts and holder snapshots are persisted.
package store

import (
	"context"
	"errors"

	"github.com/AIAleph/token_holders/internal/ledger"
)

// Sink receives newly accumulated facts during ingestion and the final
// snapshot once replay finishes. Appends are never rewritten.
type Sink interface {
	AppendTransfers(ctx context.Context, facts []ledger.TransferFact) error
	WriteSnapshot(ctx context.Context, snap *ledger.Snapshot) error
}

// TransferReader loads previously persisted facts for a stored replay.
type TransferReader interface {
	LoadTransfers(ctx context.Context) ([]ledger.TransferFact, error)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) AppendTransfers(context.Context, []ledger.TransferFact) error { return nil }
func (Discard) WriteSnapshot(context.Context, *ledger.Snapshot) error        { return nil }

// Multi fans writes out to every sink in order. It stops at the first failure.
type Multi []Sink

func (m Multi) AppendTransfers(ctx context.Context, facts []ledger.TransferFact) error {
	if len(facts) == 0 {
		return nil
	}
	for _, s := range m {
		if err := s.AppendTransfers(ctx, facts); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) WriteSnapshot(ctx context.Context, snap *ledger.Snapshot) error {
	for _, s := range m {
		if err := s.WriteSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
