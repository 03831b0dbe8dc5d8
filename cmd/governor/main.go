// Command governor runs the risk-tiered governance engine.
//
// Subcommands:
//
//	serve     start the HTTP API
//	verify    replay and check the receipt chain offline
//	token     mint an approver token
//	archive   snapshot the receipt chain to object storage
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/myles1663/lancelot-sub002/pkg/api"
	"github.com/myles1663/lancelot-sub002/pkg/archive"
	"github.com/myles1663/lancelot-sub002/pkg/boundary"
	"github.com/myles1663/lancelot-sub002/pkg/budget"
	"github.com/myles1663/lancelot-sub002/pkg/classifier"
	"github.com/myles1663/lancelot-sub002/pkg/config"
	"github.com/myles1663/lancelot-sub002/pkg/contracts"
	"github.com/myles1663/lancelot-sub002/pkg/executor"
	"github.com/myles1663/lancelot-sub002/pkg/ledger"
	"github.com/myles1663/lancelot-sub002/pkg/observability"
	"github.com/myles1663/lancelot-sub002/pkg/pipeline"
	"github.com/myles1663/lancelot-sub002/pkg/policy"
	"github.com/myles1663/lancelot-sub002/pkg/rollback"
	"github.com/myles1663/lancelot-sub002/pkg/sentry"
	"github.com/myles1663/lancelot-sub002/pkg/trust"
	"github.com/myles1663/lancelot-sub002/pkg/verify"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run dispatches the subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:], stdout, stderr)
	case "verify":
		return runVerify(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "archive":
		return runArchive(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: governor <serve|verify|token|archive> [flags]")
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	log := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	tel, err := observability.NewTelemetry()
	if err != nil {
		log.Error("telemetry setup failed", "error", err)
		return 1
	}

	ws, err := boundary.NewWorkspace(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("workspace", "error", err)
		return 1
	}

	doc, err := os.ReadFile(cfg.ConstitutionPath)
	if err != nil {
		log.Error("read constitution", "path", cfg.ConstitutionPath, "error", err)
		return 1
	}
	constitution, err := policy.ParseConstitution(doc)
	if err != nil {
		log.Error("parse constitution", "error", err)
		return 1
	}
	polStore := policy.NewStore(constitution)

	overrides := make(map[string]contracts.RiskTier, len(constitution.TierOverrides))
	for capability, tierStr := range constitution.TierOverrides {
		tier, err := contracts.ParseTier(tierStr)
		if err != nil {
			log.Error("tier override", "capability", capability, "error", err)
			return 1
		}
		overrides[capability] = tier
	}
	cls, err := classifier.New(ws, classifier.DefaultDescriptors(), constitution.SensitivePatterns, overrides)
	if err != nil {
		log.Error("classifier", "error", err)
		return 1
	}

	sessions := pipeline.NewSessions()
	eval, err := policy.NewEvaluator(polStore, ws, sessions)
	if err != nil {
		log.Error("policy evaluator", "error", err)
		return 1
	}

	store, err := openReceiptStore(cfg)
	if err != nil {
		log.Error("receipt store", "error", err)
		return 1
	}
	defer func() { _ = store.Close() }()
	led, err := ledger.NewLedger(store)
	if err != nil {
		log.Error("ledger", "error", err)
		return 1
	}

	wl, err := sentry.NewSQLiteWhitelist(cfg.WhitelistDBPath)
	if err != nil {
		log.Error("whitelist", "error", err)
		return 1
	}
	defer func() { _ = wl.Close() }()
	gate := sentry.NewGate(wl, cfg.ApprovalTimeout)

	var budgetStore budget.Store = budget.NewMemoryStore()
	if cfg.RedisAddr != "" {
		budgetStore = budget.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.RedisPrefix)
	}
	budgets := budget.NewManager(budgetStore, budget.Limits{
		contracts.TierReversible:   cfg.BudgetT1,
		contracts.TierControlled:   cfg.BudgetT2,
		contracts.TierIrreversible: cfg.BudgetT3,
	})

	local := executor.NewLocal(ws)
	tr := trust.NewLedger(classifierGraduator{cls: cls, log: log})

	eng, err := pipeline.New(pipeline.Deps{
		Classifier: cls,
		Policy:     policy.NewEngine(polStore, eval),
		Gate:       gate,
		Executor:   local,
		Verifier:   verify.DefaultRegistry(ws),
		Rollback:   rollback.DefaultManager(ws, local.Memory()),
		Ledger:     led,
		Trust:      tr,
		Budget:     budgets,
		Sessions:   sessions,
		Flags:      pipeline.NewFlags(cfg.CachingEnabled, cfg.AsyncVerifyEnabled, cfg.TieringEnabled),
		Telemetry:  tel,
		Logger:     log,
	}, pipeline.Options{Workers: cfg.Workers, ExecTimeout: cfg.ExecTimeout})
	if err != nil {
		log.Error("engine", "error", err)
		return 1
	}

	var tokens *sentry.TokenVerifier
	if cfg.ApproverSecret != "" {
		tokens = sentry.NewTokenVerifier([]byte(cfg.ApproverSecret))
	} else {
		log.Warn("GOVERNOR_APPROVER_SECRET not set, approval endpoints are unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(eng, gate, led, tr, polStore, tokens, log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("governor listening", "addr", cfg.ListenAddr, "policy_version", polStore.Version())
	fmt.Fprintf(stdout, "listening on %s\n", cfg.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown", "error", err)
			return 1
		}
		log.Info("governor stopped")
		return 0
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return 0
		}
		log.Error("serve", "error", err)
		return 1
	}
}

// classifierGraduator adapts the classifier to the trust ledger's hook.
type classifierGraduator struct {
	cls *classifier.Classifier
	log interface {
		Warn(msg string, args ...any)
	}
}

func (g classifierGraduator) AmendBaseTier(capability, scope string, tier contracts.RiskTier) {
	if err := g.cls.AmendBaseTier(capability, scope, tier); err != nil {
		g.log.Warn("graduation not applied", "capability", capability, "error", err)
	}
}

func openReceiptStore(cfg config.Config) (ledger.Store, error) {
	if cfg.ReceiptDSN != "" {
		return ledger.OpenPostgresStore(cfg.ReceiptDSN)
	}
	if cfg.ReceiptDBPath != "" {
		return ledger.NewSQLiteStore(cfg.ReceiptDBPath)
	}
	return ledger.NewMemoryStore(), nil
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "receipts.db", "path to the receipt database")
	dsn := fs.String("dsn", "", "PostgreSQL DSN (overrides -db)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var (
		store ledger.Store
		err   error
	)
	if *dsn != "" {
		store, err = ledger.OpenPostgresStore(*dsn)
	} else {
		store, err = ledger.NewSQLiteStore(*dbPath)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = store.Close() }()

	led, err := ledger.NewLedger(store)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	report, err := led.Verify()
	if err != nil {
		fmt.Fprintf(stderr, "chain BROKEN after %d receipts: %v\n", report.Count, err)
		return 1
	}
	fmt.Fprintf(stdout, "chain OK: %d receipts, head %s\n", report.Count, report.Head)
	return 0
}

func runArchive(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "receipts.db", "path to the receipt database")
	dsn := fs.String("dsn", "", "PostgreSQL DSN (overrides -db)")
	bucket := fs.String("bucket", os.Getenv("GOVERNOR_ARCHIVE_BUCKET"), "destination S3 bucket")
	prefix := fs.String("prefix", "receipts", "object key prefix")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *bucket == "" {
		fmt.Fprintln(stderr, "-bucket or GOVERNOR_ARCHIVE_BUCKET is required")
		return 2
	}

	var (
		store ledger.Store
		err   error
	)
	if *dsn != "" {
		store, err = ledger.OpenPostgresStore(*dsn)
	} else {
		store, err = ledger.NewSQLiteStore(*dbPath)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = store.Close() }()

	led, err := ledger.NewLedger(store)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ctx := context.Background()
	exp, err := archive.NewExporterFromEnv(ctx, *bucket, *prefix)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	key, err := exp.Snapshot(ctx, led)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "snapshot uploaded: s3://%s/%s\n", *bucket, key)
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	approver := fs.String("approver", "", "approver identity for the subject claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *approver == "" {
		fmt.Fprintln(stderr, "-approver is required")
		return 2
	}
	secret := os.Getenv("GOVERNOR_APPROVER_SECRET")
	if secret == "" {
		fmt.Fprintln(stderr, "GOVERNOR_APPROVER_SECRET is not set")
		return 1
	}
	token, err := sentry.NewTokenVerifier([]byte(secret)).Issue(*approver, *ttl)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}
