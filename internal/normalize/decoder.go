// Package normalize turns raw eth_getLogs records into typed transfer facts.
// Malformed logs are rejected with a *DecodeError, never a panic.
package normalize

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AIAleph/token_holders/internal/eth"
	"github.com/AIAleph/token_holders/internal/ledger"
)

// Decoder validates Transfer logs for one token kind.
type Decoder struct {
	strategy   ledger.Strategy
	topic      common.Hash
	topicCount int
}

// NewDecoder picks the decoding strategy for kind once.
func NewDecoder(kind ledger.Kind) (*Decoder, error) {
	s, err := ledger.StrategyFor(kind)
	if err != nil {
		return nil, err
	}
	topic, ok := TransferTopicFor(kind)
	if !ok {
		return nil, fmt.Errorf("no transfer topic for %s", kind)
	}
	count, _ := TransferTopicCount(kind)
	return &Decoder{strategy: s, topic: topic, topicCount: count}, nil
}

func (d *Decoder) Kind() ledger.Kind { return d.strategy.Kind }

// Topic is the topic[0] filter value for eth_getLogs.
func (d *Decoder) Topic() common.Hash { return d.topic }

// Decode validates l and returns its transfer fact.
func (d *Decoder) Decode(l eth.Log) (ledger.TransferFact, error) {
	fail := func(reason error, detail string) (ledger.TransferFact, error) {
		return ledger.TransferFact{}, &DecodeError{
			Reason:      reason,
			Detail:      detail,
			BlockNumber: l.BlockNum,
			LogIndex:    l.Index,
			TxHash:      l.TxHash,
		}
	}
	if l.Malformed != "" {
		return fail(ErrMalformedLog, l.Malformed)
	}
	if l.Removed {
		return fail(ErrRemovedLog, "")
	}
	if len(l.Topics) == 0 {
		return fail(ErrWrongTopic, "no topics")
	}
	sig, err := hexutil.Decode(l.Topics[0])
	if err != nil || !bytes.Equal(sig, d.topic[:]) {
		return fail(ErrWrongTopic, l.Topics[0])
	}
	if len(l.Topics) != d.topicCount {
		return fail(ErrTopicCount, fmt.Sprintf("got %d topics, %s needs %d", len(l.Topics), d.strategy.Kind, d.topicCount))
	}

	topics := make([][]byte, len(l.Topics))
	topics[0] = sig
	for i := 1; i < len(l.Topics); i++ {
		b, err := hexutil.Decode(l.Topics[i])
		if err != nil {
			reason := ErrMalformedAddress
			if i == 3 {
				reason = ErrMalformedTokenID
			}
			return fail(reason, fmt.Sprintf("topic %d: %v", i, err))
		}
		topics[i] = b
	}
	from, err := addressFromTopic(topics[1])
	if err != nil {
		return fail(ErrMalformedAddress, "from: "+err.Error())
	}
	to, err := addressFromTopic(topics[2])
	if err != nil {
		return fail(ErrMalformedAddress, "to: "+err.Error())
	}

	var data []byte
	if d.strategy.Kind == ledger.KindFungible {
		data, err = hexutil.Decode(l.DataHex)
		if err != nil {
			return fail(ErrMalformedAmount, err.Error())
		}
	}
	value, err := d.strategy.DecodeValue(topics, data)
	if err != nil {
		reason := ErrMalformedAmount
		if d.strategy.Kind == ledger.KindNonFungible {
			reason = ErrMalformedTokenID
		}
		return fail(reason, err.Error())
	}

	return ledger.TransferFact{
		From:        from,
		To:          to,
		BlockNumber: l.BlockNum,
		LogIndex:    l.Index,
		TxHash:      common.HexToHash(l.TxHash),
		Kind:        d.strategy.Kind,
		Value:       value,
	}, nil
}

// DecodeLogs decodes every log, skipping failures. The second result counts
// skipped logs by ReasonLabel.
func (d *Decoder) DecodeLogs(logs []eth.Log) ([]ledger.TransferFact, map[string]int) {
	facts := make([]ledger.TransferFact, 0, len(logs))
	var skipped map[string]int
	for _, l := range logs {
		f, err := d.Decode(l)
		if err != nil {
			if skipped == nil {
				skipped = make(map[string]int)
			}
			skipped[ReasonLabel(err)]++
			continue
		}
		facts = append(facts, f)
	}
	return facts, skipped
}

var errShortTopic = errors.New("topic shorter than 20 bytes")

// addressFromTopic takes the low-order 20 bytes of a left-padded topic.
func addressFromTopic(t []byte) (common.Address, error) {
	if len(t) < common.AddressLength {
		return common.Address{}, errShortTopic
	}
	if len(t) > common.HashLength {
		return common.Address{}, fmt.Errorf("topic is %d bytes", len(t))
	}
	return common.BytesToAddress(t[len(t)-common.AddressLength:]), nil
}
