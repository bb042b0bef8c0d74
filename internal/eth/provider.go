package eth

import (
	"context"
)

// Provider is the log source surface the ingester needs. Concrete adapters
// (Alchemy/Infura/self-hosted nodes) satisfy it over JSON-RPC.
type Provider interface {
	// BlockNumber returns the current head block number; used to resolve "latest".
	BlockNumber(ctx context.Context) (uint64, error)

	// GetLogs fetches logs for the given address/topics in the inclusive block range [from, to].
	// Implementations issue a single query; paging and retries belong to the caller.
	GetLogs(ctx context.Context, address string, from, to uint64, topics [][]string) ([]Log, error)
}

// Log is a raw Ethereum log as returned by eth_getLogs. Topics and data stay
// hex-encoded; validation happens in the decoder.
type Log struct {
	TxHash   string
	Index    uint64
	Address  string
	Topics   []string
	DataHex  string
	BlockNum uint64
	Removed  bool
	// Malformed describes an envelope field that could not be parsed. The
	// entry is still returned so the decoder can skip and count it.
	Malformed string
}
