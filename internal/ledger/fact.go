// Package ledger holds the transfer fact model and the replay engine that
// folds ordered facts into a holder snapshot.
package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Kind selects fungible (balance) or non-fungible (ownership) semantics for a contract.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindFungible
	KindNonFungible
)

func (k Kind) String() string {
	switch k {
	case KindFungible:
		return "erc20"
	case KindNonFungible:
		return "erc721"
	default:
		return "unknown"
	}
}

// ValueColumn is the name of the payload column in persisted transfer records.
func (k Kind) ValueColumn() string {
	if k == KindNonFungible {
		return "tokenId"
	}
	return "value"
}

// ParseKind accepts erc20|fungible and erc721|nft|non-fungible (case-insensitive).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "erc20", "fungible":
		return KindFungible, nil
	case "erc721", "nft", "non-fungible", "nonfungible":
		return KindNonFungible, nil
	}
	return KindUnknown, fmt.Errorf("unknown token kind %q", s)
}

// BlockRange is an inclusive block window. Latest marks To as the "latest"
// sentinel until Resolve pins it to a concrete head.
type BlockRange struct {
	From   uint64
	To     uint64
	Latest bool
}

var ErrInvalidRange = errors.New("invalid block range")

// Resolve replaces the latest sentinel with head.
func (r BlockRange) Resolve(head uint64) BlockRange {
	if r.Latest {
		r.To = head
		r.Latest = false
	}
	return r
}

// Validate checks From <= To for resolved ranges.
func (r BlockRange) Validate() error {
	if r.Latest {
		return nil
	}
	if r.From > r.To {
		return fmt.Errorf("%w: from(%d) > to(%d)", ErrInvalidRange, r.From, r.To)
	}
	return nil
}

func (r BlockRange) String() string {
	if r.Latest {
		return fmt.Sprintf("[%d,latest]", r.From)
	}
	return fmt.Sprintf("[%d,%d]", r.From, r.To)
}

// TransferFact is one decoded Transfer log. Value is the amount for fungible
// facts and the token id for non-fungible ones.
type TransferFact struct {
	From        common.Address
	To          common.Address
	BlockNumber uint64
	LogIndex    uint64
	TxHash      common.Hash
	Kind        Kind
	Value       uint256.Int
}

// Amount returns the transferred amount for fungible facts.
func (f TransferFact) Amount() (uint256.Int, bool) {
	if f.Kind != KindFungible {
		return uint256.Int{}, false
	}
	return f.Value, true
}

// TokenID returns the transferred token for non-fungible facts.
func (f TransferFact) TokenID() (uint256.Int, bool) {
	if f.Kind != KindNonFungible {
		return uint256.Int{}, false
	}
	return f.Value, true
}

// Key identifies the log a fact was decoded from.
func (f TransferFact) Key() FactKey {
	return FactKey{BlockNumber: f.BlockNumber, LogIndex: f.LogIndex}
}

func (f TransferFact) String() string {
	return fmt.Sprintf("%s %s->%s %s=%s @%d:%d", f.Kind, f.From.Hex(), f.To.Hex(), f.Kind.ValueColumn(), f.Value.Dec(), f.BlockNumber, f.LogIndex)
}

// FactKey is the canonical (blockNumber, logIndex) ordering key.
type FactKey struct {
	BlockNumber uint64
	LogIndex    uint64
}

// Less orders keys ascending by block then log index.
func (k FactKey) Less(o FactKey) bool {
	if k.BlockNumber != o.BlockNumber {
		return k.BlockNumber < o.BlockNumber
	}
	return k.LogIndex < o.LogIndex
}
