// Command agentbus runs the Agent Bus as a standalone process: it loads
// configuration from the environment, wires the optional persistence and
// policy backends, and serves until SIGINT/SIGTERM triggers a graceful
// drain. Grounded on the teacher's cmd/helm/main.go env-driven DB setup
// ("Lite Mode" SQLite fallback when DATABASE_URL is unset) and signal
// handling.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/dislovelhl/acgs2/pkg/audit"
	"github.com/dislovelhl/acgs2/pkg/authzcache"
	"github.com/dislovelhl/acgs2/pkg/bus"
	"github.com/dislovelhl/acgs2/pkg/config"
	"github.com/dislovelhl/acgs2/pkg/pdp"
	"github.com/dislovelhl/acgs2/pkg/policyversion"
	"github.com/dislovelhl/acgs2/pkg/registry"
)

func main() {
	os.Exit(Run())
}

// Run is the entrypoint body, factored out for testability.
func Run() int {
	logger := slog.Default()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	policyFile := config.DefaultPolicyFile()
	if path := os.Getenv("AGENTBUS_POLICY_FILE"); path != "" {
		pf, err := config.LoadPolicyFile(path)
		if err != nil {
			log.Fatalf("policy file: %v", err)
		}
		policyFile = pf
	}

	reg, err := setupRegistry(ctx, logger)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}

	redisClient, err := setupRedisClient(cfg, logger)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}

	var authzStore authzcache.Store
	var broadcaster *policyversion.RedisBroadcaster
	if redisClient != nil {
		authzStore = authzcache.NewRedisStore(redisClient, "")
		broadcaster = policyversion.NewRedisBroadcaster(redisClient, "", logger)
	}

	evaluator, err := setupPDP(cfg)
	if err != nil {
		log.Fatalf("policy evaluator: %v", err)
	}

	signerID, signingKey, err := setupAuditSigner(logger)
	if err != nil {
		log.Fatalf("audit signer: %v", err)
	}

	b, err := bus.New(cfg, policyFile, bus.Deps{
		PolicyEvaluator:          evaluator,
		Registry:                 reg,
		AuthzStore:               authzStore,
		PolicyVersionBroadcaster: broadcaster,
		AuditSigningKey:          signingKey,
		AuditSignerID:            signerID,
		Logger:                   logger,
	})
	if err != nil {
		log.Fatalf("bus: %v", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Start(runCtx); err != nil {
		log.Fatalf("bus start: %v", err)
	}
	logger.Info("agentbus started", "fingerprint", cfg.FingerprintExpected)

	<-runCtx.Done()
	logger.Info("shutdown signal received, draining")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline()+5*time.Second)
	defer cancel()
	if err := b.Stop(stopCtx); err != nil {
		logger.Error("bus stop", "error", err)
		return 1
	}
	return 0
}

// setupRegistry picks the Agent Registry backend: Postgres when
// DATABASE_URL is set, SQLite when AGENTBUS_SQLITE_PATH is set, otherwise
// nil so bus.New falls back to its in-memory default.
func setupRegistry(ctx context.Context, logger *slog.Logger) (registry.Registry, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		reg := registry.NewPostgresRegistry(db)
		if err := reg.Init(ctx); err != nil {
			return nil, fmt.Errorf("init postgres registry: %w", err)
		}
		logger.Info("registry: postgres", "dsn_set", true)
		return reg, nil
	}

	if path := os.Getenv("AGENTBUS_SQLITE_PATH"); path != "" {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		reg := registry.NewSQLiteRegistry(db)
		if err := reg.Init(ctx); err != nil {
			return nil, fmt.Errorf("init sqlite registry: %w", err)
		}
		logger.Info("registry: sqlite (lite mode)", "path", path)
		return reg, nil
	}

	logger.Info("registry: in-memory (no DATABASE_URL or AGENTBUS_SQLITE_PATH set)")
	return nil, nil
}

// setupRedisClient connects to Redis when cfg.RedisAddr is set. The shared
// client backs both the Authorization Cache and the policy-version
// broadcaster; a nil return means both fall back to in-memory/local-only
// defaults.
func setupRedisClient(cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		logger.Info("redis: unconfigured, authz cache and policy version cache stay local")
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("redis: connected", "addr", cfg.RedisAddr)
	return client, nil
}

// setupAuditSigner derives the audit-record signing key from the
// operator-held master seed in AGENTBUS_AUDIT_MASTER_SEED (64 hex chars),
// scoped by AGENTBUS_AUDIT_KEY_SCOPE (default "audit-log") so the same
// master seed can serve several streams without key reuse. Unset means
// records go unsigned.
func setupAuditSigner(logger *slog.Logger) (string, ed25519.PrivateKey, error) {
	seedHex := os.Getenv("AGENTBUS_AUDIT_MASTER_SEED")
	if seedHex == "" {
		logger.Info("audit signing: disabled (AGENTBUS_AUDIT_MASTER_SEED unset)")
		return "", nil, nil
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return "", nil, fmt.Errorf("decode master seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return "", nil, fmt.Errorf("master seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	scope := os.Getenv("AGENTBUS_AUDIT_KEY_SCOPE")
	if scope == "" {
		scope = "audit-log"
	}
	key, err := audit.DeriveSigningKey(ed25519.NewKeyFromSeed(seed), scope)
	if err != nil {
		return "", nil, err
	}
	logger.Info("audit signing: enabled", "scope", scope)
	return scope, key, nil
}

// setupPDP picks the Policy Decision Point backend: OPA-over-HTTP when
// AGENTBUS_OPA_URL is set, otherwise a CEL evaluator seeded with a
// permissive default rule so the bus is usable out of the box.
func setupPDP(cfg *config.Config) (pdp.PolicyEvaluator, error) {
	if cfg.OPAURL != "" {
		return pdp.NewOPAPDP(pdp.OPAConfig{URL: cfg.OPAURL}), nil
	}
	return pdp.NewCELPDP("default.v1", map[string]string{
		"default.COMMAND":  `true`,
		"default.QUERY":    `true`,
		"default.EVENT":    `true`,
		"default.RESPONSE": `true`,
		"default.ERROR":    `true`,
	})
}
