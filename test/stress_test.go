package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"viewingflow/engine"
	"viewingflow/ledger"
	"viewingflow/outbox"
	"viewingflow/payment"
	"viewingflow/store/pgstore"
	"viewingflow/test/actors"
	"viewingflow/test/chaos"
	"viewingflow/test/infra"
	"viewingflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 20*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

func TestEngagementStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	switch {
	case *flDSN != "":
		dsn, usedShared, pgC = *flDSN, true, &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn, usedShared, pgC = os.Getenv("STRESS_TEST_PG_DSN"), true, &infra.PGContainer{}
	case infra.DockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no postgres available: %v", err)
		}
		pgC = &infra.PGContainer{}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	logger := slog.New(slog.DiscardHandler)
	st := pgstore.New(pool)
	pay := payment.NewSandbox()
	policy := engine.Policy{
		GracePeriod:      200 * time.Millisecond,
		NoShowGrace:      0,
		FeeBps:           500,
		PlatformWalletID: ledger.DefaultFeeWallet,
	}
	env := &actors.Env{
		Svc:  engine.NewService(st, pay, policy).WithLogger(logger),
		Gate: engine.NewGate(st).WithLogger(logger),
		Pay:  pay,
	}
	sweeper := engine.NewSweeper(env.Svc, logger).WithBatch(50)
	relay := outbox.NewRelay(st, actors.NewFlakyPublisher(env), logger).WithBatch(50, 5)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		requester := fmt.Sprintf("req-%d", i)
		agent := fmt.Sprintf("agent-%d", i%3)
		g.Go(func() error { return actors.Lifecycle(ctx2, env, requester, agent, stop) })
	}
	for i := 0; i < 2; i++ {
		requester := fmt.Sprintf("racer-%d", i)
		g.Go(func() error { return actors.AcceptRacer(ctx2, env, requester, stop) })
	}
	for i := 0; i < 2; i++ {
		g.Go(func() error { return actors.Sweeper(ctx2, sweeper, env, stop) })
		g.Go(func() error { return actors.OutboxWorker(ctx2, relay, stop) })
	}
	for i := 0; i < 3; i++ {
		wallet := fmt.Sprintf("agent-%d", i)
		g.Go(func() error { return actors.Withdrawer(ctx2, env, wallet, stop) })
	}
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, infra.AppName+"%", stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				if actors.Tolerable(err) {
					continue
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	// Final pass once the system is quiet.
	name, row, err := oracles.Run(context.Background(), pool)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("Oracle %s failed after quiesce. First row: %s (seed=%d)", name, row, seed)
	}

	t.Logf("seed=%d accepted=%d settled=%d cancelled=%d disputes=%d released=%d published=%d payouts=%d",
		seed,
		env.Stats.Accepted.Load(), env.Stats.Settled.Load(), env.Stats.Cancelled.Load(),
		env.Stats.Disputes.Load(), env.Stats.Released.Load(), env.Stats.Published.Load(),
		env.Stats.Payouts.Load())
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"engagements", `SELECT id, status, amount, version, updated_at FROM engagements ORDER BY updated_at DESC LIMIT 50`},
		{"ledger_transactions", `SELECT id, wallet_id, type, amount, fee, related_engagement_id, status FROM ledger_transactions ORDER BY created_at DESC LIMIT 50`},
		{"wallets", `SELECT id, available, escrow, pending FROM wallets ORDER BY id`},
		{"disputes", `SELECT id, engagement_id, kind, status, resolution FROM disputes ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
