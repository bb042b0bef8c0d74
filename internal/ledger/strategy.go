package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrInvalidFact marks a fact that cannot be applied under the chosen kind.
// The decoder never produces one, so callers should treat it as a bug.
var ErrInvalidFact = errors.New("invalid transfer fact")

// ErrMalformedValue is returned by a strategy when the log payload does not
// carry a well-formed 256-bit value.
var ErrMalformedValue = errors.New("malformed transfer value")

// Strategy bundles the per-kind pieces of decoding and replay. It is picked
// once per contract; the replay loop itself is shared.
type Strategy struct {
	Kind Kind
	// DecodeValue extracts the amount or token id from the topics/data of a log
	// that already passed the signature and topic count checks.
	DecodeValue func(topics [][]byte, data []byte) (uint256.Int, error)

	newState func() state
}

// state is the mutable holder table a replay folds facts into.
type state interface {
	apply(f TransferFact) error
	snapshot() *Snapshot
}

var (
	fungible = Strategy{
		Kind:        KindFungible,
		DecodeValue: decodeDataWord,
		newState:    func() state { return NewFungibleState() },
	}
	nonFungible = Strategy{
		Kind:        KindNonFungible,
		DecodeValue: decodeTokenTopic,
		newState:    func() state { return NewNonFungibleState() },
	}
)

// StrategyFor returns the strategy for k.
func StrategyFor(k Kind) (Strategy, error) {
	switch k {
	case KindFungible:
		return fungible, nil
	case KindNonFungible:
		return nonFungible, nil
	}
	return Strategy{}, fmt.Errorf("no strategy for kind %s", k)
}

// decodeDataWord reads the amount from a single 32-byte ABI word.
func decodeDataWord(_ [][]byte, data []byte) (uint256.Int, error) {
	var v uint256.Int
	if len(data) != 32 {
		return v, fmt.Errorf("%w: data is %d bytes, want 32", ErrMalformedValue, len(data))
	}
	v.SetBytes32(data)
	return v, nil
}

// decodeTokenTopic reads the token id from the fourth topic.
func decodeTokenTopic(topics [][]byte, _ []byte) (uint256.Int, error) {
	var v uint256.Int
	if len(topics) < 4 {
		return v, fmt.Errorf("%w: token id topic missing", ErrMalformedValue)
	}
	t := topics[3]
	if len(t) == 0 || len(t) > 32 {
		return v, fmt.Errorf("%w: token id topic is %d bytes", ErrMalformedValue, len(t))
	}
	v.SetBytes(t)
	return v, nil
}
