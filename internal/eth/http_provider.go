package eth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AIAleph/token_holders/internal/logging"
)

var ErrUnsupported = errors.New("method not supported by provider")

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// httpProvider is a minimal JSON-RPC client for Ethereum endpoints.
// It makes exactly one attempt per call; rate limiting lives in RLProvider and
// retries in the ingester, which classifies failures with IsRetryable.
type httpProvider struct {
	endpoint    string
	providerLbl string
	hc          httpDoer
	nextID      atomic.Int64
}

// NewHTTPProvider constructs a JSON-RPC provider using the given http.Client (or a default one if nil).
func NewHTTPProvider(endpoint string, client *http.Client) (Provider, error) {
	if endpoint == "" {
		return nil, ErrEmptyEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &httpProvider{
		endpoint:    endpoint,
		providerLbl: deriveProviderLabel(endpoint),
		hc:          client,
	}, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      int64           `json:"id"`
}

// deriveProviderLabel strips credentials and paths (API keys often live there)
// so the endpoint can be logged.
func deriveProviderLabel(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if u, err := url.Parse(endpoint); err == nil {
		u.User = nil
		if u.Host != "" {
			return u.Host
		}
		if u.Scheme == "" {
			return endpoint
		}
		return u.String()
	}
	return endpoint
}

func (p *httpProvider) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: p.nextID.Add(1)})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPStatusError{Code: resp.StatusCode, Body: string(b)}
	}
	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rr.Result, out)
}

func (p *httpProvider) BlockNumber(ctx context.Context) (uint64, error) {
	var res string
	if err := p.call(ctx, "eth_blockNumber", []interface{}{}, &res); err != nil {
		return 0, err
	}
	n, err := hexutil.DecodeUint64(res)
	if err != nil {
		return 0, fmt.Errorf("invalid block number %q: %w", res, err)
	}
	return n, nil
}

type rpcLog struct {
	TxHash      string   `json:"transactionHash"`
	LogIndexHex string   `json:"logIndex"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockHex    string   `json:"blockNumber"`
	Removed     bool     `json:"removed"`
}

// GetLogs implements a single eth_getLogs call over [from, to].
func (p *httpProvider) GetLogs(ctx context.Context, address string, from, to uint64, topics [][]string) ([]Log, error) {
	// Build topics param: each position may be null, string, or array of strings.
	var topicsParam []interface{}
	for _, group := range topics {
		if len(group) == 0 {
			topicsParam = append(topicsParam, nil)
			continue
		}
		if len(group) == 1 {
			topicsParam = append(topicsParam, group[0])
			continue
		}
		arr := make([]string, len(group))
		copy(arr, group)
		topicsParam = append(topicsParam, arr)
	}
	filter := map[string]interface{}{
		"fromBlock": hexutil.EncodeUint64(from),
		"toBlock":   hexutil.EncodeUint64(to),
		"topics":    topicsParam,
	}
	if address != "" {
		filter["address"] = address
	}
	start := time.Now()
	var raw []rpcLog
	if err := p.call(ctx, "eth_getLogs", []interface{}{filter}, &raw); err != nil {
		if isMethodNotFound(err) {
			return nil, ErrUnsupported
		}
		return nil, err
	}
	out := make([]Log, 0, len(raw))
	malformed := 0
	for i, l := range raw {
		entry := Log{
			TxHash:  l.TxHash,
			Address: l.Address,
			Topics:  l.Topics,
			DataHex: l.Data,
			Removed: l.Removed,
		}
		var problems []string
		if blk, err := hexutil.DecodeUint64(l.BlockHex); err != nil {
			problems = append(problems, fmt.Sprintf("blockNumber %q: %v", l.BlockHex, err))
		} else {
			entry.BlockNum = blk
		}
		if idx, err := hexutil.DecodeUint64(l.LogIndexHex); err != nil {
			problems = append(problems, fmt.Sprintf("logIndex %q: %v", l.LogIndexHex, err))
		} else {
			entry.Index = idx
		}
		if len(problems) > 0 {
			entry.Malformed = fmt.Sprintf("log %d: %s", i, strings.Join(problems, "; "))
			malformed++
		}
		out = append(out, entry)
	}
	logging.Logger().Debug("get_logs",
		"component", "eth.http_provider",
		"provider", p.providerLbl,
		"address", address,
		"from_block", from,
		"to_block", to,
		"logs", len(out),
		"malformed", malformed,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}
