// Package csvfile persists transfer records and holder snapshots as CSV files,
// one transfer file and one holder file per token.
package csvfile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gocarina/gocsv"
	"github.com/holiman/uint256"

	"github.com/AIAleph/token_holders/internal/ledger"
	"github.com/AIAleph/token_holders/internal/store"
)

var ErrHeaderMismatch = errors.New("transfer file header mismatch")

type fungibleRecord struct {
	From        string `csv:"from"`
	To          string `csv:"to"`
	Value       string `csv:"value"`
	BlockNumber uint64 `csv:"block_number"`
	LogIndex    uint64 `csv:"log_index"`
}

type nonFungibleRecord struct {
	From        string `csv:"from"`
	To          string `csv:"to"`
	TokenID     string `csv:"tokenId"`
	BlockNumber uint64 `csv:"block_number"`
	LogIndex    uint64 `csv:"log_index"`
}

// keyRecord reads only the key columns of a transfer file.
type keyRecord struct {
	BlockNumber uint64 `csv:"block_number"`
	LogIndex    uint64 `csv:"log_index"`
}

type balanceRecord struct {
	Address string `csv:"address"`
	Balance string `csv:"balance"`
}

type tokensRecord struct {
	Address string `csv:"address"`
	Tokens  string `csv:"tokens"`
}

// Store appends transfer records to one file and rewrites the snapshot file
// next to it.
type Store struct {
	mu            sync.Mutex
	kind          ledger.Kind
	transfersPath string
	snapshotPath  string
	seen          map[ledger.FactKey]struct{}
}

var (
	_ store.Sink           = (*Store)(nil)
	_ store.TransferReader = (*Store)(nil)
)

// FileBase is the contract name, or characters 2..12 of the lowercase address.
func FileBase(name string, addr common.Address) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return strings.ToLower(addr.Hex())[2:12]
}

// TransfersFile names the transfer record file for base.
func TransfersFile(base string, kind ledger.Kind) string {
	if kind == ledger.KindNonFungible {
		return base + "_erc721_transfers.csv"
	}
	return base + "_erc20_transactions.csv"
}

// SnapshotFile names the holder file written next to a transfer file.
func SnapshotFile(transfersPath string) string {
	return strings.TrimSuffix(transfersPath, ".csv") + "_holders.csv"
}

// New opens a store under dir, creating it if needed.
func New(dir, base string, kind ledger.Kind) (*Store, error) {
	if kind == ledger.KindUnknown {
		return nil, fmt.Errorf("csvfile: unknown token kind")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("csvfile: create %s: %w", dir, err)
	}
	return FromFile(filepath.Join(dir, TransfersFile(base, kind)), kind), nil
}

// FromFile uses an existing transfer file, as the stored replay mode does.
func FromFile(path string, kind ledger.Kind) *Store {
	return &Store{kind: kind, transfersPath: path, snapshotPath: SnapshotFile(path)}
}

func (s *Store) TransfersPath() string { return s.transfersPath }
func (s *Store) SnapshotPath() string  { return s.snapshotPath }

func (s *Store) header() string {
	return "from,to," + s.kind.ValueColumn() + ",block_number,log_index"
}

// AppendTransfers appends facts whose (block_number, log_index) is not in the
// file yet, writing the header only when the file is new. Rerunning over
// stored history appends nothing.
func (s *Store) AppendTransfers(_ context.Context, facts []ledger.TransferFact) error {
	if len(facts) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.transfersPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("csvfile: open %s: %w", s.transfersPath, err)
	}
	defer func() { _ = f.Close() }()

	header, err := readHeader(f)
	if err != nil {
		return err
	}
	fresh := header == ""
	if !fresh && header != s.header() {
		return fmt.Errorf("%w: %s has %q, want %q", ErrHeaderMismatch, s.transfersPath, header, s.header())
	}
	if s.seen == nil || fresh {
		if err := s.loadKeys(f, fresh); err != nil {
			return err
		}
	}

	pending := facts[:0:0]
	batch := make(map[ledger.FactKey]struct{}, len(facts))
	for _, fact := range facts {
		k := fact.Key()
		if _, ok := s.seen[k]; ok {
			continue
		}
		if _, ok := batch[k]; ok {
			continue
		}
		batch[k] = struct{}{}
		pending = append(pending, fact)
	}
	if len(pending) == 0 {
		return nil
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	records := s.toRecords(pending)
	if fresh {
		err = gocsv.Marshal(records, f)
	} else {
		err = gocsv.MarshalWithoutHeaders(records, f)
	}
	if err != nil {
		return fmt.Errorf("csvfile: append %d records: %w", len(pending), err)
	}
	for k := range batch {
		s.seen[k] = struct{}{}
	}
	return nil
}

// readHeader returns the first line of f and rewinds it.
func readHeader(f *os.File) (string, error) {
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("csvfile: read header: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// loadKeys indexes the fact keys already in the file. r is read from the start.
func (s *Store) loadKeys(r io.Reader, fresh bool) error {
	seen := make(map[ledger.FactKey]struct{})
	if !fresh {
		var rows []*keyRecord
		if err := gocsv.Unmarshal(r, &rows); err != nil {
			return fmt.Errorf("csvfile: index %s: %w", s.transfersPath, err)
		}
		for _, row := range rows {
			seen[ledger.FactKey{BlockNumber: row.BlockNumber, LogIndex: row.LogIndex}] = struct{}{}
		}
	}
	s.seen = seen
	return nil
}

func (s *Store) toRecords(facts []ledger.TransferFact) any {
	if s.kind == ledger.KindNonFungible {
		out := make([]*nonFungibleRecord, len(facts))
		for i, f := range facts {
			out[i] = &nonFungibleRecord{From: hexAddr(f.From), To: hexAddr(f.To), TokenID: f.Value.Dec(), BlockNumber: f.BlockNumber, LogIndex: f.LogIndex}
		}
		return &out
	}
	out := make([]*fungibleRecord, len(facts))
	for i, f := range facts {
		out[i] = &fungibleRecord{From: hexAddr(f.From), To: hexAddr(f.To), Value: f.Value.Dec(), BlockNumber: f.BlockNumber, LogIndex: f.LogIndex}
	}
	return &out
}

// LoadTransfers reads every record in file order. Repeated (block_number,
// log_index) keys keep their first row. Files written before the log_index
// column existed load with LogIndex 0 and are not deduplicated.
func (s *Store) LoadTransfers(_ context.Context) ([]ledger.TransferFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.transfersPath)
	if err != nil {
		return nil, fmt.Errorf("csvfile: open %s: %w", s.transfersPath, err)
	}
	defer func() { _ = f.Close() }()

	header, err := readHeader(f)
	if err != nil {
		return nil, err
	}
	indexed := false
	for _, col := range strings.Split(header, ",") {
		if strings.TrimSpace(col) == "log_index" {
			indexed = true
		}
	}

	var facts []ledger.TransferFact
	if s.kind == ledger.KindNonFungible {
		var rows []*nonFungibleRecord
		if err := gocsv.UnmarshalFile(f, &rows); err != nil {
			return nil, fmt.Errorf("csvfile: parse %s: %w", s.transfersPath, err)
		}
		facts = make([]ledger.TransferFact, 0, len(rows))
		for i, r := range rows {
			fact, err := toFact(ledger.KindNonFungible, r.From, r.To, r.TokenID, r.BlockNumber, r.LogIndex)
			if err != nil {
				return nil, fmt.Errorf("csvfile: row %d: %w", i+1, err)
			}
			facts = append(facts, fact)
		}
	} else {
		var rows []*fungibleRecord
		if err := gocsv.UnmarshalFile(f, &rows); err != nil {
			return nil, fmt.Errorf("csvfile: parse %s: %w", s.transfersPath, err)
		}
		facts = make([]ledger.TransferFact, 0, len(rows))
		for i, r := range rows {
			fact, err := toFact(ledger.KindFungible, r.From, r.To, r.Value, r.BlockNumber, r.LogIndex)
			if err != nil {
				return nil, fmt.Errorf("csvfile: row %d: %w", i+1, err)
			}
			facts = append(facts, fact)
		}
	}
	if indexed {
		facts = ledger.Dedup(facts)
	}
	return facts, nil
}

func toFact(kind ledger.Kind, from, to, value string, block, idx uint64) (ledger.TransferFact, error) {
	if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
		return ledger.TransferFact{}, fmt.Errorf("invalid address %q -> %q", from, to)
	}
	v, err := uint256.FromDecimal(strings.TrimSpace(value))
	if err != nil {
		return ledger.TransferFact{}, fmt.Errorf("invalid %s %q: %w", kind.ValueColumn(), value, err)
	}
	return ledger.TransferFact{
		From:        common.HexToAddress(from),
		To:          common.HexToAddress(to),
		BlockNumber: block,
		LogIndex:    idx,
		Kind:        kind,
		Value:       *v,
	}, nil
}

// WriteSnapshot replaces the holder file with snap.
func (s *Store) WriteSnapshot(_ context.Context, snap *ledger.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Create(s.snapshotPath)
	if err != nil {
		return fmt.Errorf("csvfile: create %s: %w", s.snapshotPath, err)
	}
	defer func() { _ = f.Close() }()

	if snap.Kind == ledger.KindNonFungible {
		rows := make([]*tokensRecord, len(snap.Holders))
		for i, h := range snap.Holders {
			rows[i] = &tokensRecord{Address: hexAddr(h.Address), Tokens: tokenList(h.Tokens)}
		}
		err = gocsv.MarshalFile(&rows, f)
	} else {
		rows := make([]*balanceRecord, len(snap.Holders))
		for i, h := range snap.Holders {
			bal := "0"
			if h.Balance != nil {
				bal = h.Balance.String()
			}
			rows[i] = &balanceRecord{Address: hexAddr(h.Address), Balance: bal}
		}
		err = gocsv.MarshalFile(&rows, f)
	}
	if err != nil {
		return fmt.Errorf("csvfile: write snapshot: %w", err)
	}
	return nil
}

// tokenList renders ids as a JSON array of integers.
func tokenList(ids []uint256.Int) string {
	parts := make([]string, len(ids))
	for i := range ids {
		parts[i] = ids[i].Dec()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func hexAddr(a common.Address) string { return strings.ToLower(a.Hex()) }
