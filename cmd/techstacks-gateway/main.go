// The techstacks-gateway binary sits in front of the server-rendered
// frontend: it serves local routes itself, forwards everything the
// local pipeline has no opinion about to the SSR origin, relays the
// hot-module-reload WebSocket channel, and in development mode
// supervises the frontend dev-server process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	docopt "github.com/docopt/docopt-go"
	"github.com/gorilla/mux"
	mozlog "github.com/mozilla-services/go-mozlogrus"
	log "github.com/sirupsen/logrus"

	"github.com/NetCoreApps/techstacks.io/devserver"
	"github.com/NetCoreApps/techstacks.io/proxy"
	"github.com/NetCoreApps/techstacks.io/wsrelay"
)

const usage = `TechStacks frontend gateway

Usage: techstacks-gateway [-h | --help]

Environment:
 PORT (optional; defaults to 5000)            port to listen on
 ENV (optional)                               "production" enables mozlog output and
                                              disables all dev-mode behaviour
 UPSTREAM_URL (optional)                      base address of the SSR origin
                                              [default: http://localhost:3000]
 UPSTREAM_EXCLUDED_PREFIXES (optional)        comma-separated path prefixes always
                                              served locally
 UPSTREAM_INSECURE_TLS (optional)             "true" skips upstream TLS verification
                                              (development only)
 FALLBACK_MODE (optional)                     "intercept" (default) or "catchall"
 HMR_PATH (optional)                          hot-reload WebSocket path
                                              [default: /__webpack_hmr]
 DEV_SERVER_DIR (optional)                    frontend working directory [default: ./web]
 DEV_SERVER_CMD (optional)                    dev server command [default: npm run dev]
 DEV_SERVER_LOCK (optional)                   lock file path

Options:
-h --help       Show help`

const shutdownGrace = 10 * time.Second

type gatewayConfig struct {
	addr         string
	production   bool
	fallbackMode string
	hmrPath      string
	devCfg       devserver.Config
	proxyCfg     *proxy.Config
}

func main() {
	_, _ = docopt.Parse(usage, nil, true, "techstacks-gateway", false)

	logger := log.New()
	if os.Getenv("ENV") == "production" {
		logger.Formatter = &mozlog.MozLogFormatter{
			LoggerName: "techstacks-gateway",
		}
	}

	conf, err := configFromEnv(logger)
	if err != nil {
		logger.Fatalf("configuration error: %v", err)
	}

	handler := buildHandler(conf)

	server := &http.Server{
		Addr:    conf.addr,
		Handler: handler,
	}

	var supervisor *devserver.Supervisor
	if !conf.production {
		supervisor = devserver.New(conf.devCfg)
		if err := supervisor.Start(); err != nil {
			if errors.Is(err, devserver.ErrLeaseHeld) {
				logger.Warnf("dev server lock file %s present, assuming an existing instance owns the port", conf.devCfg.LockFile)
			} else {
				// the host still serves local routes, only the
				// fallback path degrades
				logger.Errorf("dev mode degraded: %v", err)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.WithField("server-addr", server.Addr).Info("starting gateway")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	if supervisor != nil {
		if err := supervisor.Stop(); err != nil {
			logger.Errorf("could not stop dev server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown incomplete: %v", err)
	}
}

// configFromEnv assembles the full gateway configuration from the
// environment.
func configFromEnv(logger *log.Logger) (*gatewayConfig, error) {
	proxyCfg, err := proxy.ConfigFromEnv(logger)
	if err != nil {
		return nil, err
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "5000"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, err
	}

	fallbackMode := os.Getenv("FALLBACK_MODE")
	if fallbackMode == "" {
		fallbackMode = "intercept"
	}

	hmrPath := os.Getenv("HMR_PATH")
	if hmrPath == "" {
		hmrPath = "/__webpack_hmr"
	}

	devDir := os.Getenv("DEV_SERVER_DIR")
	if devDir == "" {
		devDir = "./web"
	}
	devCmd := []string{"npm", "run", "dev"}
	if raw := os.Getenv("DEV_SERVER_CMD"); raw != "" {
		devCmd = strings.Fields(raw)
	}
	lockFile := os.Getenv("DEV_SERVER_LOCK")
	if lockFile == "" {
		lockFile = ".dev-server.lock"
	}

	return &gatewayConfig{
		addr:         ":" + port,
		production:   os.Getenv("ENV") == "production",
		fallbackMode: fallbackMode,
		hmrPath:      hmrPath,
		proxyCfg:     proxyCfg,
		devCfg: devserver.Config{
			Command:  devCmd,
			Dir:      devDir,
			LockFile: lockFile,
			Logger:   logger,
		},
	}, nil
}

// buildHandler wires the router, the hot-reload relay and the chosen
// fallback policy into the final request pipeline.
func buildHandler(conf *gatewayConfig) http.Handler {
	forwarder := proxy.NewForwarder(conf.proxyCfg)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	// The application's API, auth, admin and metadata routes mount
	// here in the full server; the gateway only guarantees they are
	// never proxied.

	if !conf.production {
		router.PathPrefix(conf.hmrPath).Handler(wsrelay.New(conf.proxyCfg))
	}

	if conf.fallbackMode == "catchall" {
		// explicit routes above still win; everything unmatched goes
		// upstream
		router.NotFoundHandler = proxy.NewCatchAll(forwarder).Handler()
		return router
	}
	var policy proxy.FallbackPolicy = proxy.NewNotFoundInterceptor(forwarder)
	return policy.Wrap(router)
}
