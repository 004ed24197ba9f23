package gateway

import (
	"context"
	"log"
	"time"

	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// ProvideGatewayConfig loads the gateway's own runtime config, bound from
// its own env-var namespace (CODEXMANAGER_*) the way each Provide* function
// here owns the one side effect a plain constructor can't perform.
func ProvideGatewayConfig() (*GatewayRuntimeConfig, error) {
	return LoadGatewayRuntimeConfig()
}

// ProvideGatewayStorage opens the gateway's storage backend and applies its
// schema before any collaborator can use it.
func ProvideGatewayStorage(cfg *GatewayRuntimeConfig) (StorageFacade, error) {
	storage, err := NewStoragePostgres(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := storage.EnsureSchema(context.Background()); err != nil {
		return nil, err
	}
	return storage, nil
}

// ProvideGatewayModelRates is a placeholder cost table: unknown models cost
// $0 per RequestRecorder's contract, so an empty table is a safe default
// until a pricing source is wired in by the caller.
func ProvideGatewayModelRates() map[string]ModelRate {
	return map[string]ModelRate{}
}

// ProvideGatewayRedis builds the optional Redis client RouteHintCache mirrors
// sticky routes into, following the teacher's buildRedisOptions pool-tuning
// pattern. cfg.RedisAddr == "" disables the mirror (returns nil, nil) rather
// than failing the whole gateway over an optional cross-instance cache.
func ProvideGatewayRedis(cfg *GatewayRuntimeConfig) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     64,
		MinIdleConns: 4,
	}), nil
}

// ProvideGatewayState wires every gateway collaborator and starts its
// background loops before returning the ready-to-serve state.
func ProvideGatewayState(cfg *GatewayRuntimeConfig, storage StorageFacade, rates map[string]ModelRate, rdb *redis.Client) (*GatewayState, error) {
	state, err := NewGatewayState(cfg, storage, rates, rdb)
	if err != nil {
		return nil, err
	}
	state.Start(context.Background())
	log.Printf("event=gateway_state_started upstream_base_url=%s", cfg.UpstreamBaseURL)
	return state, nil
}

// ProviderSet documents the gateway's dependency graph for `wire`
// (spec §9: the gateway owns its own graph end to end). No generated
// wire_gen.go is checked in here — cmd/gateway/main.go calls these same
// Provide* functions directly, in the order wire would, since running the
// generator is out of scope for this pass.
var ProviderSet = wire.NewSet(
	ProvideGatewayConfig,
	ProvideGatewayStorage,
	ProvideGatewayModelRates,
	ProvideGatewayRedis,
	ProvideGatewayState,
	NewFrontProxy,
)
