package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
)

type config struct {
	listenAddr string
	poolDir    string
	storePath  string

	labsBase string
	apiBase  string

	apiKey     string
	adminToken string

	debug         bool
	maxAttempts   int
	maxInflight   int64
	maxBodyBytes  int64
	retentionDays int

	failureThreshold int
	banDuration      time.Duration

	pollInterval time.Duration
	maxPolls     int
	refreshLead  time.Duration

	proxyURL *url.URL

	captchaBaseURL    string
	captchaAPIKey     string
	captchaSiteKey    string
	captchaPageAction string
	renewalURL        string

	flushInterval time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func buildConfig() config {
	configFile, err := loadConfigFile(getenv("FLOW_CONFIG", "config.toml"))
	if err != nil {
		log.Printf("warning: failed to load config.toml: %v", err)
	}

	var fileCfg ConfigFile
	if configFile != nil {
		fileCfg = *configFile
	}

	cfg := config{}
	cfg.listenAddr = getConfigString("FLOW_LISTEN_ADDR", fileCfg.ListenAddr, "127.0.0.1:8990")
	cfg.poolDir = getConfigString("FLOW_POOL_DIR", fileCfg.PoolDir, "pool")
	cfg.storePath = getConfigString("FLOW_DB_PATH", fileCfg.DBPath, "./data/flowpool.db")
	cfg.labsBase = getConfigString("FLOW_LABS_BASE_URL", fileCfg.LabsBaseURL, "https://labs.google/fx/api")
	cfg.apiBase = getConfigString("FLOW_API_BASE_URL", fileCfg.APIBaseURL, "https://aisandbox-pa.googleapis.com/v1")
	cfg.apiKey = getConfigString("FLOW_API_KEY", fileCfg.APIKey, "")
	cfg.adminToken = getConfigString("FLOW_ADMIN_TOKEN", fileCfg.AdminToken, "")
	cfg.debug = getConfigBool("FLOW_DEBUG", fileCfg.Debug, false)
	cfg.maxAttempts = getConfigInt("FLOW_MAX_ATTEMPTS", fileCfg.MaxAttempts, 3)
	cfg.maxInflight = int64(getConfigInt("FLOW_MAX_INFLIGHT", fileCfg.MaxInflight, 3))
	cfg.failureThreshold = getConfigInt("FLOW_FAILURE_THRESHOLD", fileCfg.FailureThreshold, 10)
	cfg.banDuration = time.Duration(getConfigInt("FLOW_BAN_MINUTES", fileCfg.BanMinutes, 10)) * time.Minute
	cfg.retentionDays = getConfigInt("FLOW_RETENTION_DAYS", fileCfg.RetentionDays, 30)
	cfg.pollInterval = time.Duration(getConfigInt("FLOW_POLL_INTERVAL_SECONDS", fileCfg.PollIntervalSeconds, 3)) * time.Second
	cfg.maxPolls = getConfigInt("FLOW_MAX_POLL_ATTEMPTS", fileCfg.MaxPollAttempts, 100)
	cfg.refreshLead = time.Duration(getConfigInt("FLOW_REFRESH_LEAD_MINUTES", fileCfg.RefreshLeadMinutes, 5)) * time.Minute

	cfg.maxBodyBytes = 64 << 20 // inbound images ride in the request body
	if v := getenv("FLOW_MAX_BODY_BYTES", ""); v != "" {
		if n, err := parseInt64(v); err == nil && n > 0 {
			cfg.maxBodyBytes = n
		}
	}
	cfg.flushInterval = 200 * time.Millisecond
	if v := getenv("FLOW_FLUSH_INTERVAL_MS", ""); v != "" {
		if ms, err := parseInt64(v); err == nil && ms > 0 {
			cfg.flushInterval = time.Duration(ms) * time.Millisecond
		}
	}

	if raw := getConfigString("FLOW_PROXY_URL", fileCfg.ProxyURL, ""); raw != "" {
		if u, err := url.Parse(raw); err == nil {
			cfg.proxyURL = u
		} else {
			log.Printf("warning: invalid proxy url %q: %v", raw, err)
		}
	}

	cfg.captchaBaseURL = getConfigString("FLOW_CAPTCHA_BASE_URL", fileCfg.Captcha.BaseURL, "https://api.yescaptcha.com")
	cfg.captchaAPIKey = getConfigString("FLOW_CAPTCHA_API_KEY", fileCfg.Captcha.APIKey, "")
	cfg.captchaSiteKey = getConfigString("FLOW_CAPTCHA_SITE_KEY", fileCfg.Captcha.SiteKey, "")
	cfg.captchaPageAction = getConfigString("FLOW_CAPTCHA_PAGE_ACTION", fileCfg.Captcha.PageAction, "")
	cfg.renewalURL = getConfigString("FLOW_RENEWAL_URL", fileCfg.Renewal.ServiceURL, "")

	return cfg
}

func main() {
	cfg := buildConfig()

	log.Printf("loading pool from %s", cfg.poolDir)
	accounts, err := loadPool(cfg.poolDir, cfg.maxInflight)
	if err != nil {
		log.Fatalf("load pool: %v", err)
	}
	pool := newPoolState(accounts, cfg.debug)
	if pool.count() == 0 {
		log.Printf("warning: loaded 0 accounts from %s", cfg.poolDir)
	}

	store, err := newJobStore(cfg.storePath, cfg.retentionDays)
	if err != nil {
		log.Fatalf("open job store: %v", err)
	}
	defer store.Close()

	standard := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
	}
	_ = http2.ConfigureTransport(standard)

	// Provider hosts get the Chrome fingerprint; everything else uses the
	// standard transport.
	providerClient := &http.Client{
		Transport: newChromeHybridTransport(standard, cfg.proxyURL),
		Timeout:   3 * time.Minute,
	}
	helperClient := &http.Client{Transport: standard, Timeout: 5 * time.Minute}

	flow := newFlowClient(providerClient, cfg.labsBase, cfg.apiBase, cfg.debug)

	var renewer SessionRenewer = noRenewer{}
	if cfg.renewalURL != "" {
		renewer = newHTTPRenewer(helperClient, cfg.renewalURL)
		log.Printf("session renewal service: %s", cfg.renewalURL)
	}
	var solver ChallengeSolver = noSolver{}
	if cfg.captchaAPIKey != "" {
		solver = newTaskSolver(helperClient, cfg.captchaBaseURL, cfg.captchaAPIKey, cfg.captchaSiteKey, cfg.captchaPageAction)
		log.Printf("captcha solver: %s", cfg.captchaBaseURL)
	}

	ref := newRefresher(pool, flow, renewer, cfg.refreshLead, 3*time.Minute, cfg.debug)
	runner := newJobRunner(flow, ref, solver, cfg.pollInterval, cfg.maxPolls, cfg.debug)

	h := &apiHandler{
		cfg:       cfg,
		pool:      pool,
		flow:      flow,
		refresher: ref,
		runner:    runner,
		store:     store,
		metrics:   newMetrics(),
		recent:    newRecentErrors(50),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ref.sweep(ctx)
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		ref.pollCredits(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ref.pollCredits(ctx)
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}

	// Configure HTTP/2 with settings suited for long-running streams.
	http2Srv := &http2.Server{
		MaxConcurrentStreams:         250,
		IdleTimeout:                  5 * time.Minute,
		MaxUploadBufferPerConnection: 1 << 20,
		MaxUploadBufferPerStream:     1 << 20,
		MaxReadFrameSize:             1 << 20,
	}
	if err := http2.ConfigureServer(srv, http2Srv); err != nil {
		log.Printf("warning: failed to configure HTTP/2 server: %v", err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("flow-pool proxy listening on %s (accounts=%d, models=%d)", cfg.listenAddr, pool.count(), len(modelCatalog))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
