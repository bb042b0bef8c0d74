package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	cfgpkg "github.com/AIAleph/token_holders/internal/config"
	"github.com/AIAleph/token_holders/internal/eth"
	"github.com/AIAleph/token_holders/internal/ingest"
	"github.com/AIAleph/token_holders/internal/ledger"
	"github.com/AIAleph/token_holders/internal/logging"
	"github.com/AIAleph/token_holders/internal/metrics"
	"github.com/AIAleph/token_holders/internal/store"
	chsink "github.com/AIAleph/token_holders/internal/store/clickhouse"
	"github.com/AIAleph/token_holders/internal/store/csvfile"
	"github.com/AIAleph/token_holders/internal/store/postgres"
	"github.com/AIAleph/token_holders/pkg/ch"
)

var (
	// version is set via -ldflags "-X main.version=..."
	version = "dev"
	// exit is aliased to os.Exit to allow overriding in tests.
	exit = os.Exit
	// function variables allow tests to inject stubs
	newProvider  func(endpoint string, rate int, httpTimeout time.Duration) (eth.Provider, error)
	openPostgres func(ctx context.Context, dsn string, c ingest.Contract) (*postgres.TransferStore, error)
	newCHSink    func(dsn string, c ingest.Contract) *chsink.Sink
)

func defaultNewProvider(endpoint string, rate int, httpTimeout time.Duration) (eth.Provider, error) {
	return eth.NewProvider(endpoint, rate, httpTimeout)
}

func defaultOpenPostgres(ctx context.Context, dsn string, c ingest.Contract) (*postgres.TransferStore, error) {
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return postgres.NewTransferStore(pool, c.Address, c.Kind), nil
}

func defaultNewCHSink(dsn string, c ingest.Contract) *chsink.Sink {
	return chsink.New(ch.New(dsn), c.Address, c.Kind)
}

func wireDefaults() {
	newProvider = defaultNewProvider
	openPostgres = defaultOpenPostgres
	newCHSink = defaultNewCHSink
}

func init() { wireDefaults() }

// plan is the resolved invocation; --dry-run prints it with DSNs redacted.
type plan struct {
	Address        string `json:"address"`
	Kind           string `json:"kind"`
	Name           string `json:"name,omitempty"`
	Symbol         string `json:"symbol,omitempty"`
	Provider       string `json:"provider"`
	FromBlock      uint64 `json:"from_block"`
	ToBlock        string `json:"to_block"`
	Window         int    `json:"window"`
	StopAfterEmpty bool   `json:"stop_after_empty"`
	Workers        int    `json:"workers"`
	MaxRanges      int    `json:"max_ranges"`
	RateLimit      int    `json:"rate_limit"`
	Replay         string `json:"replay,omitempty"`
	InFile         string `json:"infile,omitempty"`
	OutDir         string `json:"outdir"`
	DatabaseURL    string `json:"database_url"`
	ClickHouseDSN  string `json:"clickhouse_dsn"`
	MetricsAddr    string `json:"metrics_addr,omitempty"`
	Timeout        string `json:"timeout"`

	contract ingest.Contract
	rng      ledger.BlockRange
	cfg      cfgpkg.Config
}

func (p plan) redacted() plan {
	p.DatabaseURL = cfgpkg.RedactDSN(p.DatabaseURL)
	p.ClickHouseDSN = cfgpkg.RedactDSN(p.ClickHouseDSN)
	p.Provider = cfgpkg.RedactDSN(p.Provider)
	return p
}

// summary is the run report printed on stdout.
type summary struct {
	Contract     string         `json:"contract"`
	Kind         string         `json:"kind"`
	State        ingest.State   `json:"state"`
	Stop         string         `json:"stop"`
	FromBlock    uint64         `json:"from_block"`
	ToBlock      uint64         `json:"to_block"`
	Ranges       int            `json:"ranges"`
	Logs         int            `json:"logs"`
	Facts        int            `json:"facts"`
	Duplicates   int            `json:"duplicates"`
	Retries      int            `json:"retries"`
	DecodeErrors map[string]int `json:"decode_errors,omitempty"`
	Warnings     int            `json:"warnings"`
	Holders      int            `json:"holders"`
	LastBlock    uint64         `json:"last_block"`
	Transfers    string         `json:"transfers_csv,omitempty"`
	Snapshot     string         `json:"snapshot_csv,omitempty"`
	Elapsed      string         `json:"elapsed"`
}

// printUsage prints a detailed CLI help with env mappings and examples.
func printUsage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "\nUsage:\n  %s --address 0x... [--kind erc20|erc721] [flags]\n\n", os.Args[0])
	fmt.Fprintln(out, "Flags:")
	flag.PrintDefaults()
	fmt.Fprintln(out, "\nEnvironment variables (defaults):")
	fmt.Fprintln(out, "  ETH_PROVIDER_URL    RPC endpoint (default empty)")
	fmt.Fprintln(out, "  WINDOW_BLOCKS       Blocks per eth_getLogs range (default 1000)")
	fmt.Fprintln(out, "  RATE_LIMIT          RPC rate limit (req/s, default 0 = unlimited)")
	fmt.Fprintln(out, "  HTTP_TIMEOUT        Timeout per HTTP exchange (default 30s)")
	fmt.Fprintln(out, "  FETCH_ATTEMPTS      Attempts per range, first included (default 5)")
	fmt.Fprintln(out, "  FETCH_TIMEOUT       Deadline per attempt (default 30s)")
	fmt.Fprintln(out, "  FETCH_BACKOFF_BASE  First retry delay (default 250ms)")
	fmt.Fprintln(out, "  FETCH_BACKOFF_MAX   Retry delay cap (default 10s)")
	fmt.Fprintln(out, "  FETCH_WORKERS       Ranges fetched concurrently (default 1)")
	fmt.Fprintln(out, "  STOP_AFTER_EMPTY    Stop at the first range without transfers (default true)")
	fmt.Fprintln(out, "  INGEST_TIMEOUT      Whole-run timeout (default 30m)")
	fmt.Fprintln(out, "  DATA_DIR            CSV output directory (default data)")
	fmt.Fprintln(out, "  DATABASE_URL        Postgres DSN (optional)")
	fmt.Fprintln(out, "  CLICKHOUSE_DSN      ClickHouse DSN (preferred if set)")
	fmt.Fprintln(out, "  CLICKHOUSE_URL      ClickHouse base URL (e.g., http://localhost:8123)")
	fmt.Fprintln(out, "  CLICKHOUSE_DB       ClickHouse database name")
	fmt.Fprintln(out, "  CLICKHOUSE_USER     ClickHouse username (optional)")
	fmt.Fprintln(out, "  CLICKHOUSE_PASS     ClickHouse password (optional)")
	fmt.Fprintln(out, "  LOG_LEVEL           debug|info|warn|error (default info)")
	fmt.Fprintln(out, "  LOG_FORMAT          json|text (default json)")
	fmt.Fprintln(out, "  METRICS_ADDR        Prometheus listen address (optional)")
	fmt.Fprintln(out, "\nExamples:")
	fmt.Fprintln(out, "  Holders of an ERC-20 token up to the chain head:")
	fmt.Fprintln(out, "    holders --address 0xabc... --kind erc20 --provider $ETH_PROVIDER_URL")
	fmt.Fprintln(out, "  Rebuild an ERC-721 snapshot from a saved transfer file:")
	fmt.Fprintln(out, "    holders --address 0xabc... --kind erc721 --infile data/punks_erc721_transfers.csv")
}

func usageErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	exit(2)
}

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()
	defaults := cfgpkg.Load()
	var (
		p         plan
		toBlock   string
		timeout   time.Duration
		logLevel  string
		logFormat string
		dryRun    bool
		showVer   bool
	)

	flag.Usage = printUsage
	flag.StringVar(&p.Address, "address", "", "Token contract address (0x...) [required]")
	flag.StringVar(&p.Kind, "kind", "erc20", "Token kind: erc20 | erc721")
	flag.StringVar(&p.Name, "name", "", "Token name; also names the output files")
	flag.StringVar(&p.Symbol, "symbol", "", "Token symbol (labels only)")
	flag.StringVar(&p.Provider, "provider", defaults.ProviderURL, "Ethereum RPC provider URL (ETH_PROVIDER_URL)")
	flag.Uint64Var(&p.FromBlock, "from-block", 0, "Lowest block to walk down to")
	flag.StringVar(&toBlock, "to-block", "latest", "Block to start from: a number or latest")
	flag.IntVar(&p.Window, "window", defaults.WindowBlocks, "Blocks per range (WINDOW_BLOCKS)")
	flag.BoolVar(&p.StopAfterEmpty, "stop-after-empty", defaults.StopAfterEmpty, "Stop at the first range without transfers")
	flag.IntVar(&p.Workers, "workers", defaults.FetchWorkers, "Ranges fetched concurrently (FETCH_WORKERS)")
	flag.IntVar(&p.MaxRanges, "max-ranges", 0, "Stop after this many ranges (0 = unlimited)")
	flag.IntVar(&p.RateLimit, "rate-limit", defaults.RateLimit, "RPC rate limit (req/s, 0 = unlimited)")
	flag.StringVar(&p.Replay, "replay", "", "Rebuild from stored transfers instead of fetching: csv | postgres | clickhouse")
	flag.StringVar(&p.InFile, "infile", "", "Rebuild from this transfer CSV instead of fetching")
	flag.StringVar(&p.OutDir, "outdir", defaults.DataDir, "Directory for CSV output (DATA_DIR)")
	flag.StringVar(&p.DatabaseURL, "database-url", defaults.DatabaseURL, "Postgres DSN (DATABASE_URL)")
	flag.StringVar(&p.ClickHouseDSN, "clickhouse", defaults.ClickHouseDSN, "ClickHouse DSN (CLICKHOUSE_DSN or built from CLICKHOUSE_URL/DB/USER/PASS)")
	flag.StringVar(&p.MetricsAddr, "metrics-addr", defaults.MetricsAddr, "Serve Prometheus metrics on this address (METRICS_ADDR)")
	flag.DurationVar(&timeout, "timeout", defaults.Timeout, "Whole-run timeout (INGEST_TIMEOUT)")
	flag.StringVar(&logLevel, "log-level", defaults.LogLevel, "Log level (LOG_LEVEL)")
	flag.StringVar(&logFormat, "log-format", defaults.LogFormat, "Log format: json | text (LOG_FORMAT)")
	flag.BoolVar(&dryRun, "dry-run", false, "Print plan and exit")
	flag.BoolVar(&showVer, "version", false, "Print version and exit")
	flag.Parse()

	if showVer {
		fmt.Println(version)
		return
	}
	if err := logging.Configure(logLevel, logFormat); err != nil {
		usageErr("%v", err)
		return
	}

	if p.Address == "" {
		usageErr("missing --address (0x...); see --help")
		return
	}
	c, err := ingest.ParseContract(p.Address, p.Kind, p.Name, p.Symbol)
	if err != nil {
		usageErr("invalid contract: %v", err)
		return
	}
	p.contract = c
	p.Address = strings.ToLower(c.Address.Hex())
	p.Kind = c.Kind.String()

	p.rng = ledger.BlockRange{From: p.FromBlock, Latest: true}
	p.ToBlock = "latest"
	if tb := strings.ToLower(strings.TrimSpace(toBlock)); tb != "" && tb != "latest" {
		n, err := strconv.ParseUint(tb, 10, 64)
		if err != nil {
			usageErr("invalid --to-block %q (use a block number or latest)", toBlock)
			return
		}
		p.rng = ledger.BlockRange{From: p.FromBlock, To: n}
		p.ToBlock = fmt.Sprint(n)
	}
	if err := p.rng.Validate(); err != nil {
		usageErr("--from-block cannot be greater than --to-block")
		return
	}
	if p.Window <= 0 {
		usageErr("--window must be > 0")
		return
	}
	if p.Workers <= 0 {
		usageErr("--workers must be > 0")
		return
	}
	if p.MaxRanges < 0 {
		usageErr("--max-ranges must be >= 0")
		return
	}
	if p.InFile != "" {
		if p.Replay != "" && p.Replay != "csv" {
			usageErr("--infile cannot be combined with --replay %s", p.Replay)
			return
		}
		p.Replay = "csv"
	}
	switch p.Replay {
	case "", "csv":
	case "postgres":
		if p.DatabaseURL == "" {
			usageErr("--replay postgres needs --database-url")
			return
		}
	case "clickhouse":
		if p.ClickHouseDSN == "" {
			usageErr("--replay clickhouse needs --clickhouse")
			return
		}
	default:
		usageErr("unknown --replay %q (use csv|postgres|clickhouse)", p.Replay)
		return
	}
	if p.Replay == "" && p.Provider == "" {
		usageErr("missing --provider (or ETH_PROVIDER_URL)")
		return
	}
	p.Timeout = timeout.String()
	p.cfg = defaults

	if dryRun {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(p.redacted())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := run(ctx, p)
	if sum != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingest error: %v\n", err)
		exit(1)
	}
}

func run(ctx context.Context, p plan) (*summary, error) {
	var m *metrics.Metrics
	if p.MetricsAddr != "" {
		m = metrics.New("")
		srv := &http.Server{Addr: p.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Logger().Error("metrics_server", "addr", p.MetricsAddr, "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	var csvStore *csvfile.Store
	if p.InFile != "" {
		csvStore = csvfile.FromFile(p.InFile, p.contract.Kind)
	} else {
		s, err := csvfile.New(p.OutDir, csvfile.FileBase(p.contract.Name, p.contract.Address), p.contract.Kind)
		if err != nil {
			return nil, err
		}
		csvStore = s
	}
	sinks := store.Multi{csvStore}
	var reader store.TransferReader = csvStore

	if p.DatabaseURL != "" {
		pg, err := openPostgres(ctx, p.DatabaseURL, p.contract)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		sinks = append(sinks, pg)
		if p.Replay == "postgres" {
			reader = pg
		}
	}
	if p.ClickHouseDSN != "" {
		chs := newCHSink(p.ClickHouseDSN, p.contract)
		sinks = append(sinks, chs)
		if p.Replay == "clickhouse" {
			reader = chs
		}
	}
	defer func() { _ = sinks.Close() }()

	opts := ingest.Options{
		Range:          p.rng,
		WindowBlocks:   uint64(p.Window),
		StopAfterEmpty: p.StopAfterEmpty,
		MaxRanges:      p.MaxRanges,
		Workers:        p.Workers,
		MaxAttempts:    p.cfg.FetchAttempts,
		FetchTimeout:   p.cfg.FetchTimeout,
		BackoffBase:    p.cfg.FetchBackoffBase,
		BackoffMax:     p.cfg.FetchBackoffMax,
		Metrics:        m,
	}

	var prov eth.Provider
	if p.Replay == "" {
		pr, err := newProvider(p.Provider, p.RateLimit, p.cfg.HTTPTimeout)
		if err != nil {
			return nil, fmt.Errorf("provider: %w", err)
		}
		prov = pr
	}
	ing, err := ingest.New(p.contract, opts, prov, sinks)
	if err != nil {
		return nil, err
	}

	var rep *ingest.Report
	if p.Replay != "" {
		rep, err = ing.ReplayStored(ctx, reader)
	} else {
		rep, err = ing.Run(ctx)
	}
	sum := summarize(rep, csvStore)
	return sum, err
}

func summarize(rep *ingest.Report, csvStore *csvfile.Store) *summary {
	if rep == nil {
		return nil
	}
	s := &summary{
		Contract:   rep.Contract.Label(),
		Kind:       rep.Contract.Kind.String(),
		State:      rep.State,
		Stop:       string(rep.Stop),
		FromBlock:  rep.Range.From,
		ToBlock:    rep.Range.To,
		Ranges:     rep.Ranges,
		Logs:       rep.Logs,
		Facts:      rep.Facts,
		Duplicates: rep.Duplicates,
		Retries:    rep.Retries,
		Warnings:   len(rep.Warnings),
		Transfers:  csvStore.TransfersPath(),
		Elapsed:    rep.Elapsed.Round(time.Millisecond).String(),
	}
	if len(rep.DecodeErrors) > 0 {
		s.DecodeErrors = rep.DecodeErrors
	}
	if rep.Snapshot != nil {
		s.Holders = len(rep.Snapshot.Holding())
		s.LastBlock = rep.Snapshot.LastBlock
		s.Snapshot = csvStore.SnapshotPath()
	}
	return s
}
