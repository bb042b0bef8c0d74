package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/AIAleph/token_holders/internal/eth"
	"github.com/AIAleph/token_holders/internal/ledger"
	"github.com/AIAleph/token_holders/internal/logging"
	"github.com/AIAleph/token_holders/internal/metrics"
	"github.com/AIAleph/token_holders/internal/normalize"
	"github.com/AIAleph/token_holders/internal/store"
)

// Options configure a run of the ingester.
type Options struct {
	// Range is walked backward from To down to From. Latest resolves To to
	// the chain head when the run starts.
	Range        ledger.BlockRange
	WindowBlocks uint64
	// StopAfterEmpty ends the walk at the first range that decodes to no facts.
	StopAfterEmpty bool
	MaxRanges      int // 0 = unlimited
	Workers        int // ranges fetched concurrently; <= 1 is sequential
	MaxAttempts    int // per log source call, including the first
	FetchTimeout   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	Metrics        *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.WindowBlocks == 0 {
		o.WindowBlocks = DefaultWindowBlocks
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 5
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 250 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = 40 * o.BackoffBase
	}
	return o
}

// State is the driver's position in fetch -> decode -> replay.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateDecoding
	StateReplaying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateDecoding:
		return "decoding"
	case StateReplaying:
		return "replaying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StopReason says why the range walk ended.
type StopReason string

const (
	StopExhausted  StopReason = "exhausted"
	StopEmptyRange StopReason = "empty_range"
	StopMaxRanges  StopReason = "max_ranges"
	StopStored     StopReason = "stored"
	StopFailed     StopReason = "failed"
)

// Report summarises a run. On failure it carries the counters accumulated
// before the failing call and no snapshot.
type Report struct {
	Contract     Contract
	State        State
	Stop         StopReason
	Range        ledger.BlockRange
	LastRange    ledger.BlockRange
	Ranges       int
	Logs         int
	Facts        int
	Duplicates   int
	Retries      int
	DecodeErrors map[string]int
	Warnings     []ledger.Warning
	Snapshot     *ledger.Snapshot
	Elapsed      time.Duration
}

// Ingester drives one contract from log fetching to a holder snapshot.
type Ingester struct {
	contract Contract
	opts     Options
	prov     eth.Provider
	sink     store.Sink
	dec      *normalize.Decoder
	topics   [][]string
	metrics  *metrics.Metrics
	log      *slog.Logger

	state   atomic.Int32
	retries atomic.Int64
}

// New validates the contract and options. p may be nil for an ingester that
// only replays stored transfers; sink may be nil to discard output.
func New(c Contract, opts Options, p eth.Provider, sink store.Sink) (*Ingester, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Range.Validate(); err != nil {
		return nil, configErr("%v", err)
	}
	dec, err := normalize.NewDecoder(c.Kind)
	if err != nil {
		return nil, configErr("%v", err)
	}
	if sink == nil {
		sink = store.Discard{}
	}
	opts = opts.withDefaults()
	return &Ingester{
		contract: c,
		opts:     opts,
		prov:     p,
		sink:     sink,
		dec:      dec,
		topics:   [][]string{{dec.Topic().Hex()}},
		metrics:  opts.Metrics,
		log: logging.Logger().With(
			"component", "ingest",
			"contract", c.Label(),
			"kind", c.Kind.String(),
		),
	}, nil
}

// State returns the current driver state.
func (i *Ingester) State() State { return State(i.state.Load()) }

func (i *Ingester) setState(s State) { i.state.Store(int32(s)) }

func (i *Ingester) newReport() *Report {
	i.retries.Store(0)
	return &Report{Contract: i.contract, DecodeErrors: map[string]int{}}
}

// Run walks the configured range backward, decodes and accumulates transfer
// facts, then replays them into a snapshot written to the sink. A failed
// fetch returns a *FatalError together with the partial report.
func (i *Ingester) Run(ctx context.Context) (rep *Report, err error) {
	start := time.Now()
	rep = i.newReport()
	defer func() {
		rep.Elapsed = time.Since(start)
		rep.Retries = int(i.retries.Load())
	}()
	if i.prov == nil {
		return rep, configErr("no log source configured")
	}

	i.setState(StateFetching)
	rng, err := i.resolveRange(ctx)
	if err != nil {
		return i.fail(rep, err)
	}
	rep.Range = rng
	i.log.Info("ingest_start",
		"from_block", rng.From,
		"to_block", rng.To,
		"window", i.opts.WindowBlocks,
		"workers", i.opts.Workers,
	)

	acc := ledger.NewAccumulator()
	stop, err := i.walk(ctx, NewWindow(rng, i.opts.WindowBlocks), acc, rep)
	if err != nil {
		return i.fail(rep, err)
	}
	rep.Stop = stop

	if err := i.finish(ctx, acc.Sorted(), rep); err != nil {
		return i.fail(rep, err)
	}
	return rep, nil
}

// ReplayStored rebuilds the snapshot from previously persisted transfers
// without touching the log source.
func (i *Ingester) ReplayStored(ctx context.Context, r store.TransferReader) (*Report, error) {
	start := time.Now()
	rep := i.newReport()
	rep.Stop = StopStored
	defer func() { rep.Elapsed = time.Since(start) }()

	facts, err := r.LoadTransfers(ctx)
	if err != nil {
		return i.fail(rep, fmt.Errorf("load transfers: %w", err))
	}
	rep.Facts = len(facts)
	for k, f := range facts {
		if k == 0 || f.BlockNumber < rep.Range.From {
			rep.Range.From = f.BlockNumber
		}
		if f.BlockNumber > rep.Range.To {
			rep.Range.To = f.BlockNumber
		}
	}
	i.log.Info("replay_stored", "facts", len(facts))
	if err := i.finish(ctx, facts, rep); err != nil {
		return i.fail(rep, err)
	}
	return rep, nil
}

func (i *Ingester) fail(rep *Report, err error) (*Report, error) {
	i.setState(StateFailed)
	rep.State = StateFailed
	rep.Stop = StopFailed
	i.log.Error("ingest_failed", "err", err, "ranges", rep.Ranges, "facts", rep.Facts)
	return rep, err
}

func (i *Ingester) resolveRange(ctx context.Context) (ledger.BlockRange, error) {
	rng := i.opts.Range
	if !rng.Latest {
		return rng, nil
	}
	head, err := retry(ctx, i, "block_number", rng, func(ctx context.Context) (uint64, error) {
		return i.prov.BlockNumber(ctx)
	})
	if err != nil {
		return rng, err
	}
	rng = rng.Resolve(head)
	if err := rng.Validate(); err != nil {
		return rng, configErr("%v (head %d)", err, head)
	}
	return rng, nil
}

type rangeResult struct {
	r    ledger.BlockRange
	logs []eth.Log
	took time.Duration
	err  error
}

// walk pulls ranges from w in batches of up to Workers and consumes the
// results strictly in cursor order. Results past a stop point are dropped.
func (i *Ingester) walk(ctx context.Context, w *Window, acc *ledger.Accumulator, rep *Report) (StopReason, error) {
	for {
		n := i.opts.Workers
		if i.opts.MaxRanges > 0 {
			left := i.opts.MaxRanges - rep.Ranges
			if left <= 0 {
				if w.Remaining() == 0 {
					return StopExhausted, nil
				}
				return StopMaxRanges, nil
			}
			n = min(n, left)
		}
		batch := make([]ledger.BlockRange, 0, n)
		for len(batch) < n {
			r, ok := w.Next()
			if !ok {
				break
			}
			batch = append(batch, r)
		}
		if len(batch) == 0 {
			return StopExhausted, nil
		}

		results := i.fetchBatch(ctx, batch)
		for k, res := range results {
			if res.err != nil {
				return "", res.err
			}
			decoded, err := i.accumulate(ctx, res, acc, rep)
			if err != nil {
				return "", err
			}
			if decoded == 0 && i.opts.StopAfterEmpty {
				if dropped := len(results) - k - 1; dropped > 0 {
					i.log.Debug("ranges_dropped", "count", dropped, "after_block", res.r.From)
				}
				return StopEmptyRange, nil
			}
		}
	}
}

func (i *Ingester) fetchBatch(ctx context.Context, batch []ledger.BlockRange) []rangeResult {
	results := make([]rangeResult, len(batch))
	if len(batch) == 1 {
		results[0] = i.fetchRange(ctx, batch[0])
		return results
	}
	// Each slot records its own error so an early stop can ignore failures
	// in ranges it never needed.
	var g errgroup.Group
	g.SetLimit(i.opts.Workers)
	for k, r := range batch {
		g.Go(func() error {
			results[k] = i.fetchRange(ctx, r)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (i *Ingester) fetchRange(ctx context.Context, r ledger.BlockRange) rangeResult {
	start := time.Now()
	logs, err := retry(ctx, i, "get_logs", r, func(ctx context.Context) ([]eth.Log, error) {
		return i.prov.GetLogs(ctx, i.contract.Address.Hex(), r.From, r.To, i.topics)
	})
	return rangeResult{r: r, logs: logs, took: time.Since(start), err: err}
}

// accumulate decodes one range and appends its new facts to the sink. It
// returns the number of facts decoded, duplicates included.
func (i *Ingester) accumulate(ctx context.Context, res rangeResult, acc *ledger.Accumulator, rep *Report) (int, error) {
	i.setState(StateDecoding)
	facts, skipped := i.dec.DecodeLogs(res.logs)
	if len(skipped) > 0 {
		for reason, n := range skipped {
			rep.DecodeErrors[reason] += n
		}
		i.metrics.ObserveDecodeErrors(skipped)
		i.log.Warn("decode_skipped", "from_block", res.r.From, "to_block", res.r.To, "reasons", skipped)
	}

	fresh := acc.Add(facts)
	rep.Ranges++
	rep.Logs += len(res.logs)
	rep.Facts += len(fresh)
	rep.Duplicates += len(facts) - len(fresh)
	rep.LastRange = res.r

	if err := i.sink.AppendTransfers(ctx, fresh); err != nil {
		return 0, &FatalError{Op: "append_transfers", Range: res.r, Err: err}
	}
	i.metrics.ObserveRange(res.r.From, len(res.logs), len(facts), res.took)
	i.log.Info("range_fetched",
		"from_block", res.r.From,
		"to_block", res.r.To,
		"logs", len(res.logs),
		"facts", len(fresh),
		"elapsed_ms", res.took.Milliseconds(),
	)
	i.setState(StateFetching)
	return len(facts), nil
}

func (i *Ingester) finish(ctx context.Context, facts []ledger.TransferFact, rep *Report) error {
	i.setState(StateReplaying)
	start := time.Now()
	snap, err := ledger.Replay(i.contract.Kind, facts)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	byKind := map[string]int{}
	for _, w := range snap.Warnings {
		byKind[string(w.Kind)]++
		i.log.Debug("replay_warning", "warning", w.String())
	}
	holding := len(snap.Holding())
	i.metrics.ObserveReplay(time.Since(start), byKind, holding)
	if len(snap.Warnings) > 0 {
		i.log.Warn("incomplete_ledger", "warnings", len(snap.Warnings), "by_kind", byKind)
	}

	if err := i.sink.WriteSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	rep.Snapshot = snap
	rep.Warnings = snap.Warnings
	rep.State = StateDone
	i.setState(StateDone)
	i.log.Info("ingest_done",
		"stop", string(rep.Stop),
		"ranges", rep.Ranges,
		"facts", snap.Facts,
		"holders", holding,
		"last_block", snap.LastBlock,
	)
	return nil
}

// retry runs fn with a per-attempt timeout and exponential backoff until it
// succeeds, fails permanently or runs out of attempts.
func retry[T any](ctx context.Context, i *Ingester, op string, r ledger.BlockRange, fn func(context.Context) (T, error)) (T, error) {
	attempts := 0
	operation := func() (T, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, i.opts.FetchTimeout)
		defer cancel()
		v, err := fn(actx)
		switch {
		case err == nil:
			return v, nil
		case ctx.Err() != nil:
			return v, backoff.Permanent(ctx.Err())
		case !eth.IsRetryable(err):
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		i.retries.Add(1)
		i.metrics.ObserveRetry()
		i.log.Warn("fetch_retry",
			"op", op,
			"from_block", r.From,
			"to_block", r.To,
			"attempt", attempts,
			"wait_ms", wait.Milliseconds(),
			"err", err,
		)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.opts.BackoffBase
	b.MaxInterval = i.opts.BackoffMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(i.opts.MaxAttempts-1)), ctx)

	v, err := backoff.RetryNotifyWithData(operation, policy, notify)
	if err != nil {
		i.metrics.ObserveFetchFailure()
		return v, &FatalError{Op: op, Range: r, Attempts: attempts, Err: err}
	}
	return v, nil
}
