package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"

	"github.com/AIAleph/token_holders/internal/ledger"
	"github.com/AIAleph/token_holders/internal/store"
)

// TransferStore persists facts and snapshots for one contract.
type TransferStore struct {
	pool     *Pool
	contract string
	kind     ledger.Kind
}

// NewTransferStore creates a TransferStore scoped to contract.
func NewTransferStore(pool *Pool, contract common.Address, kind ledger.Kind) *TransferStore {
	return &TransferStore{pool: pool, contract: strings.ToLower(contract.Hex()), kind: kind}
}

// Compile-time interface checks.
var (
	_ store.Sink           = (*TransferStore)(nil)
	_ store.TransferReader = (*TransferStore)(nil)
)

// AppendTransfers inserts facts in one batch. Facts already stored under the
// same (contract, block_number, log_index) are skipped.
func (s *TransferStore) AppendTransfers(ctx context.Context, facts []ledger.TransferFact) error {
	if len(facts) == 0 {
		return nil
	}

	query := `
		INSERT INTO token_transfers (
			contract, kind, block_number, log_index, tx_hash, from_addr, to_addr, value
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric)
		ON CONFLICT (contract, block_number, log_index) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, f := range facts {
		batch.Queue(query,
			s.contract,
			f.Kind.String(),
			int64(f.BlockNumber),
			int64(f.LogIndex),
			strings.ToLower(f.TxHash.Hex()),
			strings.ToLower(f.From.Hex()),
			strings.ToLower(f.To.Hex()),
			f.Value.Dec(),
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert token transfers: %w", err)
	}
	return nil
}

// LoadTransfers returns the contract's facts ordered by (block_number, log_index).
func (s *TransferStore) LoadTransfers(ctx context.Context) ([]ledger.TransferFact, error) {
	query := `
		SELECT block_number, log_index, tx_hash, from_addr, to_addr, value::text
		FROM token_transfers
		WHERE contract = $1 AND kind = $2
		ORDER BY block_number ASC, log_index ASC
	`

	rows, err := s.pool.Query(ctx, query, s.contract, s.kind.String())
	if err != nil {
		return nil, fmt.Errorf("load token transfers: %w", err)
	}
	defer rows.Close()

	var facts []ledger.TransferFact
	for rows.Next() {
		var (
			block, idx            int64
			txHash, from, to, raw string
		)
		if err := rows.Scan(&block, &idx, &txHash, &from, &to, &raw); err != nil {
			return nil, fmt.Errorf("scan token transfer: %w", err)
		}
		v, err := uint256.FromDecimal(raw)
		if err != nil {
			return nil, fmt.Errorf("token transfer %d:%d value %q: %w", block, idx, raw, err)
		}
		facts = append(facts, ledger.TransferFact{
			From:        common.HexToAddress(from),
			To:          common.HexToAddress(to),
			BlockNumber: uint64(block),
			LogIndex:    uint64(idx),
			TxHash:      common.HexToHash(txHash),
			Kind:        s.kind,
			Value:       *v,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token transfers: %w", err)
	}
	return facts, nil
}

// WriteSnapshot replaces the contract's snapshot atomically.
func (s *TransferStore) WriteSnapshot(ctx context.Context, snap *ledger.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM holder_snapshots WHERE contract = $1`, s.contract); err != nil {
		return fmt.Errorf("clear holder snapshot: %w", err)
	}

	query := `
		INSERT INTO holder_snapshots (contract, address, balance, tokens, last_block)
		VALUES ($1, $2, $3::numeric, $4::numeric[], $5)
	`
	batch := &pgx.Batch{}
	for _, h := range snap.Holders {
		var balance *string
		if h.Balance != nil {
			b := h.Balance.String()
			balance = &b
		}
		var tokens []string
		if snap.Kind == ledger.KindNonFungible {
			tokens = make([]string, len(h.Tokens))
			for i := range h.Tokens {
				tokens[i] = h.Tokens[i].Dec()
			}
		}
		batch.Queue(query, s.contract, strings.ToLower(h.Address.Hex()), balance, tokens, int64(snap.LastBlock))
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert holder snapshot: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// snapshotRow is one stored holder row.
type snapshotRow struct {
	Address   string
	Balance   *string
	Tokens    []string
	LastBlock uint64
}

// loadSnapshot returns the stored snapshot rows ordered by address.
func (s *TransferStore) loadSnapshot(ctx context.Context) ([]snapshotRow, error) {
	query := `
		SELECT address, balance::text, tokens::text[], last_block
		FROM holder_snapshots
		WHERE contract = $1
		ORDER BY address ASC
	`
	rows, err := s.pool.Query(ctx, query, s.contract)
	if err != nil {
		return nil, fmt.Errorf("load holder snapshot: %w", err)
	}
	defer rows.Close()

	var out []snapshotRow
	for rows.Next() {
		var (
			r    snapshotRow
			last int64
		)
		if err := rows.Scan(&r.Address, &r.Balance, &r.Tokens, &last); err != nil {
			return nil, fmt.Errorf("scan holder snapshot: %w", err)
		}
		r.LastBlock = uint64(last)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *TransferStore) Close() error {
	s.pool.Close()
	return nil
}
