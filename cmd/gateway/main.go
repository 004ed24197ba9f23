package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wei-Shaw/sub2api/internal/gateway"
	"github.com/Wei-Shaw/sub2api/internal/server/middleware"

	"github.com/gin-gonic/gin"
)

// main hand-sequences the same provider calls gateway.ProviderSet composes
// for `wire`, since no generated wire_gen.go ships in this tree (spec §9:
// GatewayState's graph is simple enough to wire by hand at the call site).
func main() {
	cfg, err := gateway.ProvideGatewayConfig()
	if err != nil {
		log.Fatalf("failed to load gateway config: %v", err)
	}

	storage, err := gateway.ProvideGatewayStorage(cfg)
	if err != nil {
		log.Fatalf("failed to open gateway storage: %v", err)
	}
	closer, ok := storage.(interface{ Close() error })

	rates := gateway.ProvideGatewayModelRates()

	rdb, err := gateway.ProvideGatewayRedis(cfg)
	if err != nil {
		log.Fatalf("failed to build gateway redis client: %v", err)
	}

	state, err := gateway.ProvideGatewayState(cfg, storage, rates, rdb)
	if err != nil {
		log.Fatalf("failed to wire gateway state: %v", err)
	}

	proxy := gateway.NewFrontProxy(state)

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RequestBodyLimit(gateway.MaxRequestBodyBytes))

	// FrontProxy is CodexManager's one front door: every method/path is
	// dispatched inside Handle, not by the router (spec §1).
	r.NoRoute(proxy.Handle)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("gateway server failed: %v", err)
		}
	}()

	log.Printf("event=gateway_server_started addr=%s upstream_base_url=%s", cfg.ListenAddr, cfg.UpstreamBaseURL)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("event=gateway_shutdown_started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("event=gateway_shutdown_forced err=%v", err)
	}

	state.Stop()
	if ok {
		if err := closer.Close(); err != nil {
			log.Printf("event=gateway_storage_close_failed err=%v", err)
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Printf("event=gateway_redis_close_failed err=%v", err)
		}
	}

	log.Println("event=gateway_shutdown_complete")
}
