package ledger

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// WarningKind classifies advisory findings from a replay. They are expected
// when the ledger does not start at genesis and never block a snapshot.
type WarningKind string

const (
	WarnNegativeBalance   WarningKind = "negative_balance"
	WarnMissingOwnership  WarningKind = "missing_ownership"
	WarnOwnershipConflict WarningKind = "ownership_conflict"
)

// Warning is an incomplete-ledger finding attached to a snapshot.
type Warning struct {
	Kind        WarningKind
	Address     common.Address
	Balance     *big.Int     // negative_balance
	TokenID     *uint256.Int // missing_ownership, ownership_conflict
	BlockNumber uint64
	LogIndex    uint64
}

func (w Warning) String() string {
	switch w.Kind {
	case WarnNegativeBalance:
		return fmt.Sprintf("%s: %s balance %s", w.Kind, w.Address.Hex(), w.Balance)
	default:
		return fmt.Sprintf("%s: %s token %s at %d:%d", w.Kind, w.Address.Hex(), w.TokenID.Dec(), w.BlockNumber, w.LogIndex)
	}
}

// Holder is one row of a snapshot. Balance is set for fungible snapshots,
// Tokens (ascending) for non-fungible ones.
type Holder struct {
	Address common.Address
	Balance *big.Int
	Tokens  []uint256.Int
}

// Snapshot is the finalized, read-only result of a replay. Holders are sorted
// by address and include every address the ledger touched.
type Snapshot struct {
	Kind      Kind
	Holders   []Holder
	Warnings  []Warning
	Facts     int
	LastBlock uint64
}

func (s *Snapshot) find(a common.Address) (Holder, bool) {
	i := sort.Search(len(s.Holders), func(i int) bool {
		return bytes.Compare(s.Holders[i].Address[:], a[:]) >= 0
	})
	if i < len(s.Holders) && s.Holders[i].Address == a {
		return s.Holders[i], true
	}
	return Holder{}, false
}

// Balance returns the balance of a (zero when untouched).
func (s *Snapshot) Balance(a common.Address) *big.Int {
	if h, ok := s.find(a); ok && h.Balance != nil {
		return new(big.Int).Set(h.Balance)
	}
	return new(big.Int)
}

// Tokens returns the tokens held by a.
func (s *Snapshot) Tokens(a common.Address) []uint256.Int {
	if h, ok := s.find(a); ok {
		return append([]uint256.Int(nil), h.Tokens...)
	}
	return nil
}

// Total sums all balances. For a complete ledger it is zero.
func (s *Snapshot) Total() *big.Int {
	sum := new(big.Int)
	for _, h := range s.Holders {
		if h.Balance != nil {
			sum.Add(sum, h.Balance)
		}
	}
	return sum
}

// Holding filters out addresses left with a zero balance or no tokens.
func (s *Snapshot) Holding() []Holder {
	out := make([]Holder, 0, len(s.Holders))
	for _, h := range s.Holders {
		if (h.Balance != nil && h.Balance.Sign() != 0) || len(h.Tokens) > 0 {
			out = append(out, h)
		}
	}
	return out
}

// Replay folds facts into a fresh holder state for kind. Facts are replayed
// in (BlockNumber, LogIndex) order; unsorted input is sorted on a copy.
func Replay(kind Kind, facts []TransferFact) (*Snapshot, error) {
	s, err := StrategyFor(kind)
	if err != nil {
		return nil, err
	}
	return s.Replay(facts)
}

// Replay runs the shared replay loop with this strategy's state.
func (s Strategy) Replay(facts []TransferFact) (*Snapshot, error) {
	if s.newState == nil {
		return nil, fmt.Errorf("strategy %s has no state", s.Kind)
	}
	if !IsSorted(facts) {
		sorted := make([]TransferFact, len(facts))
		copy(sorted, facts)
		SortFacts(sorted)
		facts = sorted
	}
	st := s.newState()
	for i, f := range facts {
		if f.Kind != s.Kind {
			return nil, fmt.Errorf("%w: fact %d is %s, replaying %s", ErrInvalidFact, i, f.Kind, s.Kind)
		}
		if err := st.apply(f); err != nil {
			return nil, fmt.Errorf("apply fact %d (%d:%d): %w", i, f.BlockNumber, f.LogIndex, err)
		}
	}
	snap := st.snapshot()
	snap.Facts = len(facts)
	return snap, nil
}
