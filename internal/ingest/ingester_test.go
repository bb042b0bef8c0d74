package ingest

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AIAleph/token_holders/internal/eth"
	"github.com/AIAleph/token_holders/internal/ledger"
	"github.com/AIAleph/token_holders/internal/metrics"
	"github.com/AIAleph/token_holders/internal/store/csvfile"
)

func TestRunWalksBackwardAndReplays(t *testing.T) {
	prov := &fakeProvider{logs: []eth.Log{
		erc20(600, 0, zeroAddr, addrA, 100),
		erc20(1500, 2, addrA, addrB, 40), // boundary block, returned twice
		erc20(2400, 1, addrB, addrC, 10),
	}}
	sink := &memSink{}
	ing, err := New(fungible(), fastOptions(0, 2500), prov, sink)
	require.NoError(t, err)

	rep, err := ing.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []ledger.BlockRange{{From: 1500, To: 2500}, {From: 500, To: 1500}}, prov.Calls())
	assert.Equal(t, StateDone, rep.State)
	assert.Equal(t, StateDone, ing.State())
	assert.Equal(t, StopExhausted, rep.Stop)
	assert.Equal(t, 2, rep.Ranges)
	assert.Equal(t, 4, rep.Logs)
	assert.Equal(t, 3, rep.Facts)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Equal(t, ledger.BlockRange{From: 500, To: 1500}, rep.LastRange)

	snap := rep.Snapshot
	require.NotNil(t, snap)
	assert.Same(t, snap, sink.snapshot)
	assert.Equal(t, big.NewInt(60), snap.Balance(addrA))
	assert.Equal(t, big.NewInt(30), snap.Balance(addrB))
	assert.Equal(t, big.NewInt(10), snap.Balance(addrC))
	assert.Equal(t, big.NewInt(-100), snap.Balance(zeroAddr))
	assert.Empty(t, rep.Warnings, "the zero address is excluded from negative balance warnings")

	require.Len(t, sink.appended, 3)
	assert.Equal(t, 2, sink.appends)
}

func TestRunStopsAfterEmptyRange(t *testing.T) {
	prov := &fakeProvider{logs: []eth.Log{
		erc20(4500, 0, addrA, addrB, 5),
	}}
	opts := fastOptions(0, 5000)
	opts.StopAfterEmpty = true
	ing, err := New(fungible(), opts, prov, nil)
	require.NoError(t, err)

	rep, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopEmptyRange, rep.Stop)
	assert.Equal(t, 2, rep.Ranges)
	assert.Len(t, prov.Calls(), 2)
	assert.Equal(t, big.NewInt(5), rep.Snapshot.Balance(addrB))
	require.Len(t, rep.Warnings, 1)
	assert.Equal(t, ledger.WarnNegativeBalance, rep.Warnings[0].Kind)
}

func TestRunWithoutEarlyStopWalksEmptyRanges(t *testing.T) {
	prov := &fakeProvider{}
	ing, err := New(fungible(), fastOptions(0, 3000), prov, nil)
	require.NoError(t, err)
	rep, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, rep.Stop)
	assert.Equal(t, 3, rep.Ranges)
	assert.Empty(t, rep.Snapshot.Holders)
}

func TestRunResolvesLatest(t *testing.T) {
	prov := &fakeProvider{head: 3000}
	opts := fastOptions(0, 0)
	opts.Range = ledger.BlockRange{From: 1000, Latest: true}
	ing, err := New(fungible(), opts, prov, nil)
	require.NoError(t, err)

	rep, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.BlockRange{From: 1000, To: 3000}, rep.Range)
	assert.Equal(t, []ledger.BlockRange{{From: 2000, To: 3000}, {From: 1000, To: 2000}}, prov.Calls())
}

func TestRunLatestBelowFloorIsConfigError(t *testing.T) {
	prov := &fakeProvider{head: 10}
	opts := fastOptions(0, 0)
	opts.Range = ledger.BlockRange{From: 1000, Latest: true}
	ing, err := New(fungible(), opts, prov, nil)
	require.NoError(t, err)

	rep, err := ing.Run(context.Background())
	require.ErrorIs(t, err, ErrConfig)
	assert.Equal(t, StateFailed, rep.State)
	assert.Empty(t, prov.Calls())
}

func TestRunHeadFailureIsFatal(t *testing.T) {
	prov := &fakeProvider{headErr: &eth.HTTPStatusError{Code: 503}}
	opts := fastOptions(0, 0)
	opts.Range = ledger.BlockRange{Latest: true}
	ing, err := New(fungible(), opts, prov, nil)
	require.NoError(t, err)

	_, err = ing.Run(context.Background())
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "block_number", fe.Op)
	assert.Equal(t, 3, fe.Attempts)
}

func TestRunRetriesTransientErrors(t *testing.T) {
	prov := &fakeProvider{
		logs: []eth.Log{erc20(900, 0, addrA, addrB, 1)},
		fail: func(_ context.Context, call int, _, _ uint64) error {
			if call <= 2 {
				return &eth.HTTPStatusError{Code: 429, Body: "slow down"}
			}
			return nil
		},
	}
	m := metrics.New("retry_test")
	opts := fastOptions(0, 1000)
	opts.Metrics = m
	ing, err := New(fungible(), opts, prov, nil)
	require.NoError(t, err)

	rep, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Retries)
	assert.Equal(t, 1, rep.Facts)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FetchRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RangesFetched))
	assert.Zero(t, testutil.ToFloat64(m.FetchFailures))
}

func TestRunFailsAfterRetryExhaustion(t *testing.T) {
	prov := &fakeProvider{
		logs: []eth.Log{erc20(2400, 0, addrA, addrB, 1)},
		fail: func(_ context.Context, _ int, from, _ uint64) error {
			if from == 500 {
				return &eth.HTTPStatusError{Code: 503, Body: "unavailable"}
			}
			return nil
		},
	}
	sink := &memSink{}
	m := metrics.New("fail_test")
	opts := fastOptions(0, 2500)
	opts.Metrics = m
	ing, err := New(fungible(), opts, prov, sink)
	require.NoError(t, err)

	rep, err := ing.Run(context.Background())
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, ledger.BlockRange{From: 500, To: 1500}, fe.Range)
	var hs *eth.HTTPStatusError
	assert.ErrorAs(t, err, &hs)

	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, StateFailed, ing.State())
	assert.Equal(t, StopFailed, rep.Stop)
	assert.Equal(t, 1, rep.Ranges)
	assert.Nil(t, rep.Snapshot)
	assert.Nil(t, sink.snapshot)
	assert.Len(t, sink.appended, 1, "facts from ranges before the failure stay appended")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchFailures))
}

func TestRunDoesNotRetryPermanentErrors(t *testing.T) {
	prov := &fakeProvider{fail: func(context.Context, int, uint64, uint64) error {
		return &eth.RPCError{Code: -32602, Message: "invalid params"}
	}}
	ing, err := New(fungible(), fastOptions(0, 1000), prov, nil)
	require.NoError(t, err)

	_, err = ing.Run(context.Background())
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Attempts)
	assert.Len(t, prov.Calls(), 1)
}

func TestRunPerAttemptTimeout(t *testing.T) {
	prov := &fakeProvider{
		logs: []eth.Log{erc20(10, 0, addrA, addrB, 1)},
		fail: func(ctx context.Context, call int, _, _ uint64) error {
			if call == 1 {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
	}
	opts := fastOptions(0, 1000)
	opts.FetchTimeout = 20 * time.Millisecond
	ing, err := New(fungible(), opts, prov, nil)
	require.NoError(t, err)

	rep, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Retries)
	assert.Equal(t, 1, rep.Facts)
}

func TestRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	prov := &fakeProvider{fail: func(context.Context, int, uint64, uint64) error {
		cancel()
		return &eth.TransportError{Err: errors.New("reset")}
	}}
	ing, err := New(fungible(), fastOptions(0, 1000), prov, nil)
	require.NoError(t, err)

	rep, err := ing.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, rep.State)
	assert.Len(t, prov.Calls(), 1)
}

func TestRunCountsDecodeErrors(t *testing.T) {
	short := erc20(800, 1, addrA, addrB, 1)
	short.Topics = short.Topics[:2]
	badData := erc20(700, 2, addrA, addrB, 1)
	badData.DataHex = "0x01"
	envelope := erc20(600, 3, addrA, addrB, 1)
	envelope.Malformed = `log 3: logIndex "nope": invalid hex string`
	prov := &fakeProvider{logs: []eth.Log{erc20(900, 0, addrA, addrB, 7), short, badData, envelope}}
	m := metrics.New("decode_test")
	opts := fastOptions(0, 1000)
	opts.Metrics = m
	ing, err := New(fungible(), opts, prov, nil)
	require.NoError(t, err)

	rep, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, rep.State)
	assert.Equal(t, 4, rep.Logs)
	assert.Equal(t, 1, rep.Facts)
	assert.Equal(t, map[string]int{"topic_count": 1, "malformed_amount": 1, "malformed_log": 1}, rep.DecodeErrors)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeErrors.WithLabelValues("topic_count")))
}

func TestRunMaxRanges(t *testing.T) {
	prov := &fakeProvider{}
	opts := fastOptions(0, 10_000)
	opts.MaxRanges = 3
	ing, err := New(fungible(), opts, prov, nil)
	require.NoError(t, err)
	rep, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopMaxRanges, rep.Stop)
	assert.Len(t, prov.Calls(), 3)

	// a cap equal to the window count reports exhaustion
	opts = fastOptions(0, 2000)
	opts.MaxRanges = 2
	ing, err = New(fungible(), opts, &fakeProvider{}, nil)
	require.NoError(t, err)
	rep, err = ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopExhausted, rep.Stop)
}

func TestRunSinkFailureIsFatal(t *testing.T) {
	prov := &fakeProvider{logs: []eth.Log{erc20(900, 0, addrA, addrB, 1)}}
	boom := errors.New("disk full")
	ing, err := New(fungible(), fastOptions(0, 1000), prov, &memSink{appendErr: boom})
	require.NoError(t, err)
	_, err = ing.Run(context.Background())
	require.ErrorIs(t, err, boom)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "append_transfers", fe.Op)
}

func TestRunNonFungible(t *testing.T) {
	prov := &fakeProvider{logs: []eth.Log{
		erc721(100, 0, zeroAddr, addrA, 7),
		erc721(200, 0, addrA, addrB, 7),
		erc721(200, 1, zeroAddr, addrA, 8),
		erc20(300, 0, addrA, addrB, 1), // ERC-20 shaped log on an NFT contract
	}}
	c := Contract{Address: tokenAddr, Kind: ledger.KindNonFungible}
	ing, err := New(c, fastOptions(0, 1000), prov, nil)
	require.NoError(t, err)

	rep, err := ing.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint256.Int{*uint256.NewInt(8)}, rep.Snapshot.Tokens(addrA))
	assert.Equal(t, []uint256.Int{*uint256.NewInt(7)}, rep.Snapshot.Tokens(addrB))
	assert.Equal(t, map[string]int{"topic_count": 1}, rep.DecodeErrors)
}

func TestParallelMatchesSequential(t *testing.T) {
	logs := []eth.Log{
		erc20(4900, 0, zeroAddr, addrA, 1000),
		erc20(4000, 3, addrA, addrB, 250), // shared by the first two ranges
		erc20(3500, 0, addrB, addrC, 50),
		erc20(3200, 1, addrA, addrC, 5),
		erc20(1500, 0, addrA, addrC, 1), // past the empty range, never replayed
	}
	run := func(workers int, fail func(context.Context, int, uint64, uint64) error) (*Report, *fakeProvider) {
		prov := &fakeProvider{logs: logs, fail: fail}
		opts := fastOptions(0, 5000)
		opts.StopAfterEmpty = true
		opts.Workers = workers
		ing, err := New(fungible(), opts, prov, nil)
		require.NoError(t, err)
		rep, err := ing.Run(context.Background())
		require.NoError(t, err)
		return rep, prov
	}

	seq, seqProv := run(1, nil)
	assert.Equal(t, StopEmptyRange, seq.Stop)
	assert.Equal(t, 3, seq.Ranges)
	assert.Equal(t, 1, seq.Duplicates)
	assert.Len(t, seqProv.Calls(), 3)

	// ranges past the stop point fail; the parallel run never consumes them
	par, parProv := run(6, func(_ context.Context, _ int, from, _ uint64) error {
		if from < 2000 {
			return &eth.RPCError{Code: -32602, Message: "invalid params"}
		}
		return nil
	})
	assert.Len(t, parProv.Calls(), 5)
	assert.Equal(t, seq.Stop, par.Stop)
	assert.Equal(t, seq.Ranges, par.Ranges)
	assert.Equal(t, seq.Facts, par.Facts)
	assert.Equal(t, seq.Duplicates, par.Duplicates)
	assert.Equal(t, seq.LastRange, par.LastRange)
	assert.Equal(t, seq.Snapshot.Holders, par.Snapshot.Holders)
	assert.Equal(t, big.NewInt(745), par.Snapshot.Balance(addrA))
}

func TestReplayStored(t *testing.T) {
	sink := &memSink{}
	ctx := context.Background()
	ing, err := New(fungible(), Options{}, nil, sink)
	require.NoError(t, err)

	stored := &memSink{}
	require.NoError(t, stored.AppendTransfers(ctx, []ledger.TransferFact{
		{From: addrB, To: addrC, BlockNumber: 2, Kind: ledger.KindFungible, Value: *uint256.NewInt(40)},
		{From: addrA, To: addrB, BlockNumber: 1, Kind: ledger.KindFungible, Value: *uint256.NewInt(100)},
	}))

	rep, err := ing.ReplayStored(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, StopStored, rep.Stop)
	assert.Equal(t, StateDone, rep.State)
	assert.Equal(t, ledger.BlockRange{From: 1, To: 2}, rep.Range)
	assert.Equal(t, big.NewInt(-100), rep.Snapshot.Balance(addrA))
	assert.Equal(t, big.NewInt(60), rep.Snapshot.Balance(addrB))
	assert.Equal(t, big.NewInt(40), rep.Snapshot.Balance(addrC))
	assert.Same(t, rep.Snapshot, sink.snapshot)

	// a provider-less ingester cannot fetch
	_, err = ing.Run(ctx)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestRerunThenReplayCSVCountsEachTransferOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	prov := &fakeProvider{logs: []eth.Log{
		erc20(600, 0, zeroAddr, addrA, 100),
		erc20(1200, 3, addrA, addrB, 40),
	}}

	var path string
	for run := 0; run < 2; run++ {
		files, err := csvfile.New(dir, "USDC", ledger.KindFungible)
		require.NoError(t, err)
		path = files.TransfersPath()
		ing, err := New(fungible(), fastOptions(0, 2000), prov, files)
		require.NoError(t, err)
		rep, err := ing.Run(ctx)
		require.NoError(t, err, "run %d", run)
		assert.Equal(t, big.NewInt(60), rep.Snapshot.Balance(addrA), "run %d", run)
		assert.Equal(t, big.NewInt(40), rep.Snapshot.Balance(addrB), "run %d", run)
	}

	ing, err := New(fungible(), Options{}, nil, nil)
	require.NoError(t, err)
	rep, err := ing.ReplayStored(ctx, csvfile.FromFile(path, ledger.KindFungible))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Facts)
	assert.Equal(t, big.NewInt(60), rep.Snapshot.Balance(addrA))
	assert.Equal(t, big.NewInt(40), rep.Snapshot.Balance(addrB))
}

func TestReplayStoredRejectsKindMismatch(t *testing.T) {
	stored := &memSink{}
	require.NoError(t, stored.AppendTransfers(context.Background(), []ledger.TransferFact{
		{From: addrA, To: addrB, BlockNumber: 1, Kind: ledger.KindNonFungible, Value: *uint256.NewInt(1)},
	}))
	ing, err := New(fungible(), Options{}, nil, nil)
	require.NoError(t, err)
	rep, err := ing.ReplayStored(context.Background(), stored)
	require.ErrorIs(t, err, ledger.ErrInvalidFact)
	assert.Equal(t, StateFailed, rep.State)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Contract{Kind: ledger.KindFungible}, Options{}, nil, nil)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = New(Contract{Address: tokenAddr}, Options{}, nil, nil)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = New(fungible(), Options{Range: ledger.BlockRange{From: 10, To: 5}}, nil, nil)
	assert.ErrorIs(t, err, ErrConfig)

	ing, err := New(fungible(), Options{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, ing.State())
	assert.Equal(t, uint64(DefaultWindowBlocks), ing.opts.WindowBlocks)
	assert.Equal(t, 1, ing.opts.Workers)
	assert.Equal(t, 5, ing.opts.MaxAttempts)
}

func TestParseContract(t *testing.T) {
	c, err := ParseContract(" 0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48 ", "ERC20", "USD Coin", "USDC")
	require.NoError(t, err)
	assert.Equal(t, tokenAddr, c.Address)
	assert.Equal(t, "USD Coin", c.Label())

	_, err = ParseContract("0x123", "erc20", "", "")
	assert.ErrorIs(t, err, ErrConfig)
	_, err = ParseContract(tokenAddr.Hex(), "erc1155", "", "")
	assert.ErrorIs(t, err, ErrConfig)
	_, err = ParseContract("0x0000000000000000000000000000000000000000", "erc20", "", "")
	assert.ErrorIs(t, err, ErrConfig)

	assert.Equal(t, "SYM", Contract{Address: tokenAddr, Symbol: "SYM"}.Label())
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Contract{Address: tokenAddr}.Label())
}

func TestStateStrings(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle: "idle", StateFetching: "fetching", StateDecoding: "decoding",
		StateReplaying: "replaying", StateDone: "done", StateFailed: "failed", State(42): "state(42)",
	} {
		assert.Equal(t, want, s.String())
	}
	b, err := StateDone.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "done", string(b))
}

func TestFatalErrorMessage(t *testing.T) {
	err := &FatalError{Op: "get_logs", Range: ledger.BlockRange{From: 1, To: 2}, Attempts: 3, Err: errors.New("boom")}
	assert.Equal(t, "get_logs [1,2] failed after 3 attempt(s): boom", err.Error())
	err = &FatalError{Op: "append_transfers", Range: ledger.BlockRange{From: 1, To: 2}, Err: errors.New("disk")}
	assert.Equal(t, "append_transfers [1,2]: disk", err.Error())
}
