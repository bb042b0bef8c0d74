package ingest

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AIAleph/token_holders/internal/ledger"
)

// Contract describes the token being ingested. Name and Symbol are optional
// labels; Name also names the CSV files.
type Contract struct {
	Address common.Address
	Kind    ledger.Kind
	Name    string
	Symbol  string
}

// ParseContract resolves a hex address and kind string into a Contract.
func ParseContract(address, kind, name, symbol string) (Contract, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return Contract{}, configErr("invalid contract address %q", address)
	}
	k, err := ledger.ParseKind(kind)
	if err != nil {
		return Contract{}, configErr("%v", err)
	}
	c := Contract{Address: common.HexToAddress(address), Kind: k, Name: strings.TrimSpace(name), Symbol: strings.TrimSpace(symbol)}
	return c, c.Validate()
}

// Validate rejects the zero address and unknown kinds.
func (c Contract) Validate() error {
	if c.Address == (common.Address{}) {
		return configErr("contract address is empty")
	}
	if c.Kind != ledger.KindFungible && c.Kind != ledger.KindNonFungible {
		return configErr("unsupported token kind %s", c.Kind)
	}
	return nil
}

// Label is the name used in logs: the contract name, symbol, or address.
func (c Contract) Label() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.Symbol != "":
		return c.Symbol
	default:
		return strings.ToLower(c.Address.Hex())
	}
}
