package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	fixtureabi "github.com/AIAleph/token_holders/fixtures/abi"
	"github.com/AIAleph/token_holders/internal/ledger"
)

// Standard token ABIs are embedded to derive the Transfer event topic.
type abiArgument struct {
	Type    string `json:"type"`
	Indexed bool   `json:"indexed"`
}

type abiItem struct {
	Type   string        `json:"type"`
	Name   string        `json:"name"`
	Inputs []abiArgument `json:"inputs"`
}

// transferEvent is the topic and indexed-argument count of a standard's Transfer event.
type transferEvent struct {
	topic   common.Hash
	indexed int
}

var (
	transferEvents map[ledger.Kind]transferEvent

	// TransferTopic is keccak256("Transfer(address,address,uint256)"), shared
	// by ERC-20 and ERC-721. The topic count tells the two apart.
	TransferTopic common.Hash
)

const transferSignature = "Transfer(address,address,uint256)"

func init() {
	transferEvents = make(map[ledger.Kind]transferEvent)
	loadStandardABI(ledger.KindFungible, fixtureabi.ERC20)
	loadStandardABI(ledger.KindNonFungible, fixtureabi.ERC721)
	ensureTopicDefaults()
}

func loadStandardABI(kind ledger.Kind, raw []byte) {
	if len(raw) == 0 {
		return
	}
	var items []abiItem
	if err := json.Unmarshal(raw, &items); err != nil {
		panic(fmt.Sprintf("normalize: unable to parse %s ABI: %v", kind, err))
	}
	for _, item := range items {
		if item.Type != "event" || !strings.EqualFold(strings.TrimSpace(item.Name), "transfer") {
			continue
		}
		sig := signature("Transfer", item.Inputs)
		if sig == "" {
			continue
		}
		indexed := 0
		for _, in := range item.Inputs {
			if in.Indexed {
				indexed++
			}
		}
		transferEvents[kind] = transferEvent{topic: keccak(sig), indexed: indexed}
	}
}

// ensureTopicDefaults keeps the topic populated even if the embeds change.
func ensureTopicDefaults() {
	canonical := keccak(transferSignature)
	if _, ok := transferEvents[ledger.KindFungible]; !ok {
		transferEvents[ledger.KindFungible] = transferEvent{topic: canonical, indexed: 2}
	}
	if _, ok := transferEvents[ledger.KindNonFungible]; !ok {
		transferEvents[ledger.KindNonFungible] = transferEvent{topic: canonical, indexed: 3}
	}
	TransferTopic = transferEvents[ledger.KindFungible].topic
}

// TransferTopicFor returns the Transfer topic for kind as the log filter expects it.
func TransferTopicFor(kind ledger.Kind) (common.Hash, bool) {
	ev, ok := transferEvents[kind]
	return ev.topic, ok
}

// TransferTopicCount is the exact number of topics a Transfer log of kind
// carries: the signature plus one per indexed argument.
func TransferTopicCount(kind ledger.Kind) (int, bool) {
	ev, ok := transferEvents[kind]
	return ev.indexed + 1, ok
}

func signature(name string, inputs []abiArgument) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	types := make([]string, len(inputs))
	for i, arg := range inputs {
		typeName := canonicalType(arg.Type)
		if typeName == "" {
			return ""
		}
		types[i] = typeName
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(types, ","))
}

func canonicalType(t string) string {
	t = strings.TrimSpace(t)
	t = strings.ReplaceAll(t, " ", "")
	return t
}

func keccak(sig string) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(sig))
	return common.BytesToHash(hasher.Sum(nil))
}
