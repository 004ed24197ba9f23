package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Wei-Shaw/sub2api/internal/pkg/httpclient"
	"github.com/redis/go-redis/v9"
)

// GatewayState is the gateway's explicitly-constructed dependency graph
// (spec §9): NewGatewayState builds every collaborator directly, without a
// DI container, so each one's lifetime is visible at the call site.
type GatewayState struct {
	Config *GatewayRuntimeConfig

	Storage StorageFacade

	Cooldown  *CooldownRegistry
	Hints     *RouteHintCache
	Selector  *CandidateSelector
	Clients   *UpstreamClientPool
	Pipeline  *AttemptPipeline
	Refresher *TokenRefresher
	Usage     *UsagePoller
	Recorder  *RequestRecorder

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewGatewayState wires every gateway collaborator from a loaded config, a
// StorageFacade implementation, and a per-model cost-rate table. rdb is
// optional: when non-nil, RouteHintCache mirrors sticky-route entries there
// for cross-instance sharing (spec §4.5); a nil rdb keeps the cache
// in-process only.
func NewGatewayState(cfg *GatewayRuntimeConfig, storage StorageFacade, rates map[string]ModelRate, rdb *redis.Client) (*GatewayState, error) {
	clients, err := NewUpstreamClientPool(httpclient.Options{
		Timeout:               cfg.TotalTimeout,
		ResponseHeaderTimeout: cfg.StreamTimeout,
	})
	if err != nil {
		return nil, err
	}

	cooldown := NewCooldownRegistry()
	hints := NewRouteHintCacheWithRedis(rdb)
	selector := NewCandidateSelector(storage, cooldown, hints, cfg.AccountMaxInflight)
	refresher := NewTokenRefresher(storage, clients.Pooled(), cfg.OAuthIssuer, cfg.OAuthClientID)
	usage := NewUsagePoller(storage, refresher, clients.Pooled(), cfg.UsageSnapshotsRetainPerAccount)
	pipeline := NewAttemptPipeline(clients, cooldown, hints, cfg, storage, usage)
	recorder := NewRequestRecorder(storage, rates)

	return &GatewayState{
		Config:    cfg,
		Storage:   storage,
		Cooldown:  cooldown,
		Hints:     hints,
		Selector:  selector,
		Clients:   clients,
		Pipeline:  pipeline,
		Refresher: refresher,
		Usage:     usage,
		Recorder:  recorder,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the background loops (token refresh, usage polling) at the
// configured intervals, each clamped to its minimum floor (spec §6.3). Start
// must be called at most once; call Stop for cooperative shutdown.
func (s *GatewayState) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.runLoop("token_refresh", time.Duration(s.Config.TokenRefreshIntervalSecs)*time.Second, func(tickCtx context.Context) {
		s.Refresher.RunTick(tickCtx, 50)
	})
	go s.runLoop("usage_poll", time.Duration(s.Config.UsagePollIntervalSecs)*time.Second, func(tickCtx context.Context) {
		s.Usage.RunTick(tickCtx, s.Config.UpstreamBaseURL)
	})
}

// runLoop ticks fn at interval until Stop is called (the ctx passed to Start
// does not end the loop), logging
// (not propagating) panics from one bad tick the way the billing service's
// background jobs guard their goroutines.
func (s *GatewayState) runLoop(name string, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runTickSafely(name, fn)
		}
	}
}

func (s *GatewayState) runTickSafely(name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("event=background_loop_panic loop=%s err=%v", name, r)
		}
	}()
	fn(context.Background())
}

// Stop signals all background loops to exit and waits for them to drain.
func (s *GatewayState) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
