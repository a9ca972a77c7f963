package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Drew-Chase/minipx/internal/acme"
	"github.com/Drew-Chase/minipx/internal/config"
	"github.com/Drew-Chase/minipx/internal/engine"
	"github.com/Drew-Chase/minipx/internal/listener"
	"github.com/Drew-Chase/minipx/internal/logging"
	"github.com/Drew-Chase/minipx/internal/routetable"
	"github.com/Drew-Chase/minipx/internal/tlsserver"
	"github.com/Drew-Chase/minipx/internal/watcher"
	xacme "golang.org/x/crypto/acme"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// shutdownDeadline bounds how long graceful shutdown waits for listeners
// to drain before returning anyway, per the control-signal contract.
const shutdownDeadline = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var verbose bool
	var showVersion bool

	home, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(home, ".minipx.json")

	flag.StringVar(&configPath, "config", defaultConfig, "Path to configuration file")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("minipx version %s (commit: %s, built: %s)\n", version, commit, date)
		return 0
	}

	fmt.Println(`
 ███╗   ███╗██╗███╗   ██╗██╗██████╗ ██╗  ██╗
 ████╗ ████║██║████╗  ██║██║██╔══██╗╚██╗██╔╝
 ██╔████╔██║██║██╔██╗ ██║██║██████╔╝ ╚███╔╝
 ██║╚██╔╝██║██║██║╚██╗██║██║██╔═══╝  ██╔██╗
 ██║ ╚═╝ ██║██║██║ ╚████║██║██║     ██╔╝ ██╗
 ╚═╝     ╚═╝╚═╝╚═╝  ╚═══╝╚═╝╚═╝     ╚═╝  ╚═╝

Host-based reverse proxy with automatic TLS`)
	fmt.Println("-----------------------------------------------------------------------------")

	logger, err := logging.New(verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 2
	}
	defer logger.Sync()

	if !config.FileExists(configPath) {
		fmt.Printf("Config file not found, creating: %s\n", configPath)
		if err := config.CreateDefaultConfig(configPath); err != nil {
			logger.Errorw("failed to create default config", "error", err)
			return 2
		}
		fmt.Printf("Created: %s\n", configPath)
	}

	store, err := config.Load(configPath)
	if err != nil {
		logger.Errorw("failed to load config", "path", configPath, "error", err)
		return 2
	}

	doc := store.Document()
	cacheDir := doc.CacheDir
	if cacheDir == "" {
		cacheDir = "acme-cache"
	}
	if !filepath.IsAbs(cacheDir) {
		cacheDir = filepath.Join(filepath.Dir(configPath), cacheDir)
	}

	acmeManager, err := acme.New(xacme.LetsEncryptURL, doc.Email, cacheDir, logger)
	if err != nil {
		logger.Errorw("failed to initialize acme manager", "error", err)
		return 2
	}

	table := routetable.New()
	eng := engine.New(table, logger)
	acceptor := tlsserver.New(acmeManager, tlsserver.TableRouteSource{Table: table}, logger)
	supervisor := listener.New(eng, acceptor, logger)

	initial := store.Snapshot()
	table.Replace(initial)
	acmeManager.UpdateHosts(tlsHosts(initial))
	printRoutes(configPath, initial)

	if err := supervisor.Start(initial); err != nil {
		logger.Errorw("failed to bind listeners at startup", "error", err)
		return 1
	}

	acmeManager.StartRenewalScanner()

	fileWatcher, err := watcher.New(configPath, store, logger)
	if err != nil {
		logger.Warnw("failed to start config file watcher, hot-reload disabled", "error", err)
	} else {
		fileWatcher.Start()
	}

	reloads := store.Subscribe()
	go func() {
		for snap := range reloads {
			table.Replace(snap)
			acmeManager.UpdateHosts(tlsHosts(snap))
			supervisor.Reload(snap)
			logger.Infow("route table updated", "component", "main", "version", snap.Version())
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infow("received shutdown signal", "component", "main", "signal", sig.String())

	if fileWatcher != nil {
		fileWatcher.Stop()
	}

	done := make(chan struct{})
	go func() {
		supervisor.Shutdown()
		acmeManager.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Infow("shutdown complete", "component", "main")
	case <-time.After(shutdownDeadline):
		logger.Warnw("shutdown deadline exceeded, exiting anyway", "component", "main")
	}

	return 0
}

// tlsHosts extracts the literal hosts that need an ACME-managed
// certificate: wildcard routes are excluded, since TLS-ALPN-01 can only
// validate a literal name.
func tlsHosts(snap *routetable.Snapshot) []string {
	var hosts []string
	for _, r := range snap.Routes() {
		if r.SSLEnabled && !r.IsWildcard() {
			hosts = append(hosts, r.Key)
		}
	}
	return hosts
}

func printRoutes(configPath string, snap *routetable.Snapshot) {
	fmt.Printf("Config: %s\n", configPath)
	routes := snap.Routes()
	if len(routes) == 0 {
		fmt.Println("No routes configured — add one before traffic can be proxied.")
		fmt.Println("-----------------------------------------------------------------------------")
		return
	}
	fmt.Printf("%d route(s):\n", len(routes))
	for _, r := range routes {
		scheme := "http"
		if r.SSLEnabled {
			scheme = "https"
		}
		fmt.Printf("  %-30s -> %s://%s:%d%s\n", r.Key, scheme, r.BackendHost, r.BackendPort, r.BackendPath)
	}
	fmt.Println("-----------------------------------------------------------------------------")
}
