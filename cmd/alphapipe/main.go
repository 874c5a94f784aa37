// Command alphapipe runs the dry-run trading pipeline: durable signal memory,
// gate evaluation, proposal generation, approval-driven translation, and the
// command outbox that downstream executors pull from.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/novatrade/alphapipe/pkg/api"
	"github.com/novatrade/alphapipe/pkg/approval"
	"github.com/novatrade/alphapipe/pkg/bridge"
	"github.com/novatrade/alphapipe/pkg/config"
	"github.com/novatrade/alphapipe/pkg/feasibility"
	"github.com/novatrade/alphapipe/pkg/outbox"
	"github.com/novatrade/alphapipe/pkg/pipeline"
	"github.com/novatrade/alphapipe/pkg/policy"
	"github.com/novatrade/alphapipe/pkg/proposal"
	"github.com/novatrade/alphapipe/pkg/readiness"
	sigmem "github.com/novatrade/alphapipe/pkg/signal"
	"github.com/novatrade/alphapipe/pkg/translation"
)

const usage = `usage: alphapipe <command> [flags]

commands:
  serve       run the HTTP server (and a periodic tick, if -interval is set)
  tick        run one pipeline pass and print the result
  signal      append a signal memory event
  map         upsert a venue mapping
  block       add a policy block
  unblock     clear the most recent matching policy block
  approve     record an approval decision for a proposal
  readiness   print the gate report for all tokens
  proposals   list recent proposals
  peek        list recent outbox commands
  reap        requeue expired leases
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel, stderr)

	if path := os.Getenv("ALPHAPIPE_PROFILE"); path != "" {
		if err := config.LoadProfile(path, cfg); err != nil {
			fmt.Fprintf(stderr, "alphapipe: %v\n", err)
			return 1
		}
	}

	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	app, err := newApp(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "alphapipe: %v\n", err)
		return 1
	}
	defer app.Close()

	ctx := context.Background()
	switch args[0] {
	case "serve":
		return app.cmdServe(args[1:], stderr)
	case "tick":
		return app.cmdTick(ctx, stdout, stderr)
	case "signal":
		return app.cmdSignal(ctx, args[1:], stdout, stderr)
	case "map":
		return app.cmdMap(ctx, args[1:], stdout, stderr)
	case "block":
		return app.cmdBlock(ctx, args[1:], stdout, stderr)
	case "unblock":
		return app.cmdUnblock(ctx, args[1:], stdout, stderr)
	case "approve":
		return app.cmdApprove(ctx, args[1:], stdout, stderr)
	case "readiness":
		return app.cmdReadiness(ctx, stdout, stderr)
	case "proposals":
		return app.cmdProposals(ctx, args[1:], stdout, stderr)
	case "peek":
		return app.cmdPeek(ctx, args[1:], stdout, stderr)
	case "reap":
		return app.cmdReap(ctx, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "alphapipe: unknown command %q\n%s", args[0], usage)
		return 2
	}
}

func setupLogging(level string, w io.Writer) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// app holds the wired stores and stages shared by every subcommand.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	outboxDB  *sql.DB
	commands  outbox.CommandStore
	signals   *sigmem.Store
	venues    *feasibility.Store
	blocks    *policy.Registry
	evaluator *readiness.Evaluator
	proposals *proposal.Store
	approvals *approval.Registry
	pipeline  *pipeline.Pipeline
	bridge    *bridge.Bridge
	server    *api.Server
}

func newApp(cfg *config.Config) (*app, error) {
	db, err := sql.Open("sqlite", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{cfg: cfg, db: db}

	// The command store rides the shared Postgres bus when one is
	// configured, otherwise it lives in the pipeline database.
	if isPostgres(cfg.OutboxDatabaseURL) {
		pgdb, err := sql.Open("postgres", cfg.OutboxDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open outbox database: %w", err)
		}
		a.outboxDB = pgdb
		a.commands, err = outbox.NewPostgresCommandStore(pgdb)
		if err != nil {
			return nil, fmt.Errorf("outbox store: %w", err)
		}
	} else {
		a.commands, err = outbox.NewSQLiteCommandStore(db)
		if err != nil {
			return nil, fmt.Errorf("outbox store: %w", err)
		}
	}

	if a.signals, err = sigmem.NewStore(db); err != nil {
		return nil, fmt.Errorf("signal store: %w", err)
	}
	if a.venues, err = feasibility.NewStore(db); err != nil {
		return nil, fmt.Errorf("feasibility store: %w", err)
	}
	if a.blocks, err = policy.NewRegistry(db); err != nil {
		return nil, fmt.Errorf("policy registry: %w", err)
	}
	if a.proposals, err = proposal.NewStore(db); err != nil {
		return nil, fmt.Errorf("proposal store: %w", err)
	}
	if a.approvals, err = approval.NewRegistry(db); err != nil {
		return nil, fmt.Errorf("approval registry: %w", err)
	}
	translations, err := translation.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("translation store: %w", err)
	}

	a.evaluator = readiness.NewEvaluator(a.signals, a.venues, a.blocks, cfg)
	generator := proposal.NewGenerator(a.evaluator, a.proposals, cfg)
	stage := translation.NewStage(a.proposals, a.approvals, translations)
	if a.bridge, err = bridge.New(db, translations, a.commands, cfg.AgentID, cfg.DedupTTLSeconds); err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	a.pipeline = pipeline.New(db, generator, stage, a.bridge)
	a.server = api.New(cfg, a.commands, a.evaluator, a.proposals, a.approvals, a.blocks, a.bridge, a.pipeline)
	return a, nil
}

func (a *app) Close() {
	_ = a.db.Close()
	if a.outboxDB != nil {
		_ = a.outboxDB.Close()
	}
}

func isPostgres(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (a *app) cmdServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	interval := fs.Duration("interval", 0, "run a pipeline tick at this interval (0 disables)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *interval > 0 {
		go a.tickLoop(ctx, *interval)
	}
	if err := a.server.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(stderr, "alphapipe: serve: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) tickLoop(ctx context.Context, interval time.Duration) {
	logger := slog.Default().With("component", "tick_loop")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.pipeline.Tick(ctx); err != nil {
				logger.ErrorContext(ctx, "tick failed", "error", err)
			}
		}
	}
}

func (a *app) cmdTick(ctx context.Context, stdout, stderr io.Writer) int {
	res, err := a.pipeline.Tick(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "alphapipe: tick: %v\n", err)
		return 1
	}
	printJSON(stdout, res)
	return 0
}

func (a *app) cmdSignal(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("signal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	token := fs.String("token", "", "token symbol (required)")
	kind := fs.String("kind", "SEEN", "event kind: SEEN, CONFIRMED, PROMOTED_TO_WATCH, EXPIRED, DEMOTED")
	source := fs.String("source", "cli", "event source tag")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *token == "" {
		fmt.Fprintln(stderr, "alphapipe: signal: -token is required")
		return 2
	}
	ev, err := a.signals.Append(ctx, strings.ToUpper(*token), sigmem.Kind(*kind), time.Time{}, *source, nil)
	if err != nil {
		fmt.Fprintf(stderr, "alphapipe: signal: %v\n", err)
		return 1
	}
	printJSON(stdout, ev)
	return 0
}

func (a *app) cmdMap(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("map", flag.ContinueOnError)
	fs.SetOutput(stderr)
	token := fs.String("token", "", "token symbol (required)")
	venue := fs.String("venue", "", "venue name (required)")
	symbol := fs.String("symbol", "", "venue-local trading symbol")
	tradable := fs.Bool("tradable", true, "whether the pair is tradable")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	m := feasibility.Mapping{
		Token:    strings.ToUpper(*token),
		Venue:    *venue,
		Symbol:   *symbol,
		Tradable: *tradable,
	}
	if err := a.venues.Upsert(ctx, m); err != nil {
		fmt.Fprintf(stderr, "alphapipe: map: %v\n", err)
		return 1
	}
	printJSON(stdout, m)
	return 0
}

func (a *app) cmdBlock(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("block", flag.ContinueOnError)
	fs.SetOutput(stderr)
	token := fs.String("token", "", "token symbol (required)")
	code := fs.String("code", "", "block code (required)")
	source := fs.String("source", "cli", "block source tag")
	severity := fs.String("severity", "BLOCK", "BLOCK or WARN")
	note := fs.String("note", "", "free-form details")
	ttl := fs.Duration("ttl", 0, "expiry (0 means no expiry)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	id, err := a.blocks.BlockToken(ctx, strings.ToUpper(*token), *code, *source,
		policy.Severity(*severity), *note, *ttl)
	if err != nil {
		fmt.Fprintf(stderr, "alphapipe: block: %v\n", err)
		return 1
	}
	printJSON(stdout, map[string]string{"id": id})
	return 0
}

func (a *app) cmdUnblock(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("unblock", flag.ContinueOnError)
	fs.SetOutput(stderr)
	token := fs.String("token", "", "token symbol (required)")
	code := fs.String("code", "", "block code (optional, narrows the match)")
	by := fs.String("by", "cli", "who is clearing the block")
	reason := fs.String("reason", "", "why the block is cleared")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cleared, err := a.blocks.UnblockToken(ctx, strings.ToUpper(*token), *code, *by, *reason)
	if err != nil {
		fmt.Fprintf(stderr, "alphapipe: unblock: %v\n", err)
		return 1
	}
	printJSON(stdout, map[string]int64{"cleared": cleared})
	return 0
}

func (a *app) cmdApprove(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	proposalID := fs.String("proposal", "", "proposal id")
	hash := fs.String("hash", "", "proposal hash")
	token := fs.String("token", "", "token symbol")
	decision := fs.String("decision", "APPROVE", "APPROVE, DENY, HOLD (aliases accepted)")
	actor := fs.String("actor", "", "who decided")
	note := fs.String("note", "", "free-form note")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	d, err := approval.NormalizeDecision(*decision)
	if err != nil {
		fmt.Fprintf(stderr, "alphapipe: approve: %v\n", err)
		return 2
	}
	ref := approval.Ref{ProposalID: *proposalID, ProposalHash: *hash, Token: strings.ToUpper(*token)}
	if ref.ProposalID == "" && ref.ProposalHash == "" && ref.Token == "" {
		fmt.Fprintln(stderr, "alphapipe: approve: one of -proposal, -hash, -token is required")
		return 2
	}
	a2, created, err := a.approvals.Record(ctx, a.cfg.AgentID, ref, d, *actor, *note, "cli")
	if err != nil {
		fmt.Fprintf(stderr, "alphapipe: approve: %v\n", err)
		return 1
	}
	printJSON(stdout, map[string]any{"approval": a2, "created": created})
	return 0
}

func (a *app) cmdReadiness(ctx context.Context, stdout, stderr io.Writer) int {
	gates, err := a.evaluator.EvaluateAll(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "alphapipe: readiness: %v\n", err)
		return 1
	}
	printJSON(stdout, gates)
	return 0
}

func (a *app) cmdProposals(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("proposals", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 50, "max rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	out, err := a.proposals.List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "alphapipe: proposals: %v\n", err)
		return 1
	}
	printJSON(stdout, out)
	return 0
}

func (a *app) cmdPeek(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peek", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 50, "max rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cmds, err := a.commands.Peek(ctx, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "alphapipe: peek: %v\n", err)
		return 1
	}
	printJSON(stdout, cmds)
	return 0
}

func (a *app) cmdReap(ctx context.Context, stdout, stderr io.Writer) int {
	n, err := a.commands.ReapExpired(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "alphapipe: reap: %v\n", err)
		return 1
	}
	printJSON(stdout, map[string]int64{"requeued": n})
	return 0
}
