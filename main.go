package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
)

func main() {
	cfg, err := buildConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	store, err := loadCredentialStore(cfg.credentialFile)
	if err != nil {
		log.Fatalf("load credential store: %v", err)
	}

	audit, err := newAuditLog("refresh_audit.db")
	if err != nil {
		log.Fatalf("open audit log: %v", err)
	}
	defer audit.Close()

	m := newMetrics()
	transport := newOutboundTransport(5 * time.Second)
	tokens := newTokenClient(oauthTokenURL, transport)

	p := newPool(store, tokens, cfg.cooldown, m)
	ids := cfg.preloadAccounts
	if len(ids) == 0 {
		ids = store.listIDs()
	}
	for _, id := range ids {
		p.addAccount(id)
	}
	log.Printf("loaded %d accounts from %s", p.size(), cfg.credentialFile)

	refresher := newBackgroundRefresher(p, store, tokens, audit, m, cfg.refreshInterval, cfg.refreshThreshold)
	ctx, cancel := context.WithCancel(context.Background())
	go refresher.run(ctx)

	provider := newOAuthPipeline(p)
	d := newDispatcher(provider, cfg.upstreamURL, transport, cfg.requestTimeout, cfg.requestTimeout, m)
	health := newHealthService(p)
	router := newProxyRouter(d, m, health, cfg.concurrency)

	proxySrv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
	if err := http2.ConfigureServer(proxySrv, &http2.Server{
		IdleTimeout: 5 * time.Minute,
	}); err != nil {
		log.Printf("warning: failed to configure HTTP/2 server: %v", err)
	}

	var adminSrv *http.Server
	if cfg.adminEnabled {
		admin := newAdminServer(p, store, tokens, audit)
		adminSrv = &http.Server{
			Addr:              cfg.adminListenAddr,
			Handler:           admin,
			ReadHeaderTimeout: 15 * time.Second,
		}
		go func() {
			log.Printf("admin surface listening on %s", cfg.adminListenAddr)
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("admin server error: %v", err)
			}
		}()
	}

	go func() {
		log.Printf("oauth gateway listening on %s (upstream=%s, accounts=%d)", cfg.listenAddr, cfg.upstreamURL, p.size())
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("proxy server error: %v", err)
		}
	}()

	waitForShutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = proxySrv.Shutdown(shutdownCtx)
	if adminSrv != nil {
		_ = adminSrv.Shutdown(shutdownCtx)
	}
	log.Printf("shutdown complete")
}

// waitForShutdown blocks until SIGINT or SIGTERM, the cooperative shutdown
// signal of spec.md §5.
func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
