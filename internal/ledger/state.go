package ledger

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FungibleState maps holders to signed balances. Addresses default to zero on
// first touch; the zero address is treated like any other holder.
type FungibleState struct {
	balances map[common.Address]*big.Int
	last     FactKey
}

func NewFungibleState() *FungibleState {
	return &FungibleState{balances: make(map[common.Address]*big.Int)}
}

func (s *FungibleState) balance(a common.Address) *big.Int {
	b, ok := s.balances[a]
	if !ok {
		b = new(big.Int)
		s.balances[a] = b
	}
	return b
}

// Apply moves amount from f.From to f.To.
func (s *FungibleState) Apply(f TransferFact) error { return s.apply(f) }

func (s *FungibleState) apply(f TransferFact) error {
	amt, ok := f.Amount()
	if !ok {
		return fmt.Errorf("%w: %s fact in fungible replay", ErrInvalidFact, f.Kind)
	}
	v := amt.ToBig()
	s.balance(f.From).Sub(s.balance(f.From), v)
	s.balance(f.To).Add(s.balance(f.To), v)
	s.last = f.Key()
	return nil
}

// Balance returns a copy of the current balance of a.
func (s *FungibleState) Balance(a common.Address) *big.Int {
	if b, ok := s.balances[a]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (s *FungibleState) snapshot() *Snapshot {
	snap := &Snapshot{Kind: KindFungible, LastBlock: s.last.BlockNumber}
	for addr, bal := range s.balances {
		snap.Holders = append(snap.Holders, Holder{Address: addr, Balance: new(big.Int).Set(bal)})
		if bal.Sign() < 0 && addr != (common.Address{}) {
			snap.Warnings = append(snap.Warnings, Warning{
				Kind:    WarnNegativeBalance,
				Address: addr,
				Balance: new(big.Int).Set(bal),
			})
		}
	}
	sortHolders(snap.Holders)
	sort.Slice(snap.Warnings, func(i, j int) bool {
		return bytes.Compare(snap.Warnings[i].Address[:], snap.Warnings[j].Address[:]) < 0
	})
	return snap
}

type tokenSet map[uint256.Int]struct{}

// NonFungibleState maps holders to owned token ids. An owner index keeps every
// token in at most one set even when the ledger has gaps.
type NonFungibleState struct {
	tokens   map[common.Address]tokenSet
	owner    map[uint256.Int]common.Address
	warnings []Warning
	last     FactKey
}

func NewNonFungibleState() *NonFungibleState {
	return &NonFungibleState{
		tokens: make(map[common.Address]tokenSet),
		owner:  make(map[uint256.Int]common.Address),
	}
}

func (s *NonFungibleState) set(a common.Address) tokenSet {
	ts, ok := s.tokens[a]
	if !ok {
		ts = make(tokenSet)
		s.tokens[a] = ts
	}
	return ts
}

// Apply adds the token to f.To and removes it from f.From. A missing token on
// the sender side is tolerated and recorded as a warning.
func (s *NonFungibleState) Apply(f TransferFact) error { return s.apply(f) }

func (s *NonFungibleState) apply(f TransferFact) error {
	id, ok := f.TokenID()
	if !ok {
		return fmt.Errorf("%w: %s fact in non-fungible replay", ErrInvalidFact, f.Kind)
	}
	prev, owned := s.owner[id]
	s.set(f.To)[id] = struct{}{}
	s.owner[id] = f.To
	s.last = f.Key()

	// A self-transfer leaves the token with its owner, as it does on-chain.
	if f.From != f.To {
		from := s.set(f.From)
		if _, held := from[id]; held {
			delete(from, id)
		} else if f.From != (common.Address{}) {
			s.warn(WarnMissingOwnership, f.From, id, f)
		}
	}
	if owned && prev != f.From && prev != f.To {
		delete(s.tokens[prev], id)
		s.warn(WarnOwnershipConflict, prev, id, f)
	}
	return nil
}

func (s *NonFungibleState) warn(kind WarningKind, addr common.Address, id uint256.Int, f TransferFact) {
	tid := id
	s.warnings = append(s.warnings, Warning{
		Kind:        kind,
		Address:     addr,
		TokenID:     &tid,
		BlockNumber: f.BlockNumber,
		LogIndex:    f.LogIndex,
	})
}

func (s *NonFungibleState) snapshot() *Snapshot {
	snap := &Snapshot{Kind: KindNonFungible, LastBlock: s.last.BlockNumber}
	for addr, ts := range s.tokens {
		ids := make([]uint256.Int, 0, len(ts))
		for id := range ts {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].Lt(&ids[j]) })
		snap.Holders = append(snap.Holders, Holder{Address: addr, Tokens: ids})
	}
	sortHolders(snap.Holders)
	snap.Warnings = append(snap.Warnings, s.warnings...)
	return snap
}

func sortHolders(hs []Holder) {
	sort.Slice(hs, func(i, j int) bool {
		return bytes.Compare(hs[i].Address[:], hs[j].Address[:]) < 0
	})
}
