// Package clickhouse mirrors transfer facts and holder snapshots into
// ClickHouse through the pkg/ch HTTP client.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/AIAleph/token_holders/internal/ledger"
	"github.com/AIAleph/token_holders/internal/store"
)

const (
	transfersTable = "token_transfers"
	snapshotsTable = "holder_snapshots"
)

// Client is the subset of *ch.Client the sink needs.
type Client interface {
	Exec(ctx context.Context, query string) error
	InsertJSONEachRow(ctx context.Context, table string, rows []any) error
	QueryJSONEachRow(ctx context.Context, query string) ([]json.RawMessage, error)
}

type transferRow struct {
	Contract    string `json:"contract"`
	Standard    string `json:"standard"`
	BlockNumber uint64 `json:"block_number"`
	LogIndex    uint64 `json:"log_index"`
	TxHash      string `json:"tx_hash"`
	From        string `json:"from_addr"`
	To          string `json:"to_addr"`
	ValueRaw    string `json:"value_raw"`
}

type snapshotRow struct {
	Contract   string   `json:"contract"`
	Address    string   `json:"address"`
	BalanceRaw string   `json:"balance_raw"`
	Tokens     []string `json:"tokens"`
	LastBlock  uint64   `json:"last_block"`
	TakenAt    string   `json:"taken_at"`
}

// Sink writes one contract's rows. ReplacingMergeTree ordering on
// (contract, block_number, log_index) collapses re-ingested boundary blocks.
type Sink struct {
	c        Client
	contract string
	kind     ledger.Kind
	now      func() time.Time
}

var (
	_ store.Sink           = (*Sink)(nil)
	_ store.TransferReader = (*Sink)(nil)
)

func New(c Client, contract common.Address, kind ledger.Kind) *Sink {
	return &Sink{c: c, contract: strings.ToLower(contract.Hex()), kind: kind, now: time.Now}
}

func (s *Sink) AppendTransfers(ctx context.Context, facts []ledger.TransferFact) error {
	if len(facts) == 0 {
		return nil
	}
	rows := make([]any, len(facts))
	for i, f := range facts {
		rows[i] = transferRow{
			Contract:    s.contract,
			Standard:    f.Kind.String(),
			BlockNumber: f.BlockNumber,
			LogIndex:    f.LogIndex,
			TxHash:      strings.ToLower(f.TxHash.Hex()),
			From:        strings.ToLower(f.From.Hex()),
			To:          strings.ToLower(f.To.Hex()),
			ValueRaw:    f.Value.Dec(),
		}
	}
	if err := s.c.InsertJSONEachRow(ctx, transfersTable, rows); err != nil {
		return fmt.Errorf("clickhouse: insert %d transfers: %w", len(rows), err)
	}
	return nil
}

// WriteSnapshot replaces the contract's stored snapshot. The old rows are
// removed first so holders missing from snap do not survive.
func (s *Sink) WriteSnapshot(ctx context.Context, snap *ledger.Snapshot) error {
	takenAt := s.now().UTC().Format("2006-01-02 15:04:05.000")
	rows := make([]any, 0, len(snap.Holders))
	for _, h := range snap.Holders {
		row := snapshotRow{
			Contract:  s.contract,
			Address:   strings.ToLower(h.Address.Hex()),
			Tokens:    []string{},
			LastBlock: snap.LastBlock,
			TakenAt:   takenAt,
		}
		if h.Balance != nil {
			row.BalanceRaw = h.Balance.String()
		}
		for i := range h.Tokens {
			row.Tokens = append(row.Tokens, h.Tokens[i].Dec())
		}
		rows = append(rows, row)
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE contract = '%s'", snapshotsTable, s.contract)
	if err := s.c.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("clickhouse: clear snapshot: %w", err)
	}
	if err := s.c.InsertJSONEachRow(ctx, snapshotsTable, rows); err != nil {
		return fmt.Errorf("clickhouse: insert snapshot: %w", err)
	}
	return nil
}

// LoadTransfers reads the contract's facts back in replay order.
func (s *Sink) LoadTransfers(ctx context.Context) ([]ledger.TransferFact, error) {
	query := fmt.Sprintf(
		"SELECT block_number, log_index, tx_hash, from_addr, to_addr, value_raw FROM %s FINAL "+
			"WHERE contract = '%s' AND standard = '%s' ORDER BY block_number, log_index "+
			"SETTINGS output_format_json_quote_64bit_integers = 0 FORMAT JSONEachRow",
		transfersTable, s.contract, s.kind.String())
	raw, err := s.c.QueryJSONEachRow(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: load transfers: %w", err)
	}
	facts := make([]ledger.TransferFact, 0, len(raw))
	for i, r := range raw {
		var row transferRow
		if err := json.Unmarshal(r, &row); err != nil {
			return nil, fmt.Errorf("clickhouse: row %d: %w", i, err)
		}
		v, err := uint256.FromDecimal(row.ValueRaw)
		if err != nil {
			return nil, fmt.Errorf("clickhouse: row %d value %q: %w", i, row.ValueRaw, err)
		}
		facts = append(facts, ledger.TransferFact{
			From:        common.HexToAddress(row.From),
			To:          common.HexToAddress(row.To),
			BlockNumber: row.BlockNumber,
			LogIndex:    row.LogIndex,
			TxHash:      common.HexToHash(row.TxHash),
			Kind:        s.kind,
			Value:       *v,
		})
	}
	return facts, nil
}
