// portholed is the session-sync daemon: it ingests hook events from
// monitored agent processes, brokers permission decisions, supervises the
// enrichment helper, and serves live state to the desktop overlay.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/porthole-app/porthole/internal/bridge"
	"github.com/porthole-app/porthole/internal/config"
	"github.com/porthole-app/porthole/internal/discover"
	"github.com/porthole-app/porthole/internal/feed"
	"github.com/porthole-app/porthole/internal/ingress"
	"github.com/porthole-app/porthole/internal/metrics"
	"github.com/porthole-app/porthole/internal/procutil"
	"github.com/porthole-app/porthole/internal/state"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "portholed",
		Short:         "Session-sync daemon for desktop agent monitoring",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "config file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether a local daemon is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return status(cmd.OutOrStdout(), cfg)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "porthole.yaml"
	}
	return home + "/.porthole/config.yaml"
}

func run(cfg *config.Config) error {
	if !cfg.Log.Verbose {
		log.SetFlags(log.LstdFlags)
	} else {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	log.Printf("portholed %s starting", version)

	m := metrics.New()

	// The ingress server is constructed after the engine, but evictions
	// must cancel its held connections; a late-bound reference closes the
	// cycle once both exist.
	var ingressSrv *ingress.Server

	engine := state.New(state.Config{
		IdleTTL: time.Duration(cfg.Sweep.IdleTTLMinutes) * time.Minute,
		Alive:   procutil.Alive,
		OnEvict: func(sessionID string) {
			if ingressSrv != nil {
				ingressSrv.CancelSession(sessionID)
			}
		},
	})

	ingressSrv = ingress.New(ingress.Config{
		SocketPath: cfg.SocketPath,
		Engine:     engine,
		Metrics:    m,
	})
	engine.Start()
	if err := ingressSrv.Start(); err != nil {
		engine.Stop()
		return err
	}

	var bridgeClient *bridge.Client
	if cfg.Bridge.Command != "" {
		bridgeClient = bridge.New(bridge.Config{
			Start:        bridge.CommandStarter(cfg.Bridge.Command, cfg.Bridge.Args...),
			RestartDelay: time.Duration(cfg.Bridge.RestartDelayMs) * time.Millisecond,
			Metrics:      m,
		})
		if err := bridgeClient.Start(); err != nil {
			log.Printf("bridge: disabled: %v", err)
			bridgeClient = nil
		}
	} else {
		log.Printf("bridge: no helper command configured, enrichment disabled")
	}

	feedSrv := feed.New(feed.Config{
		Addr:          cfg.Feed.Addr,
		AllowedOrigin: cfg.Feed.AllowedOrigin,
		Engine:        engine,
		Responder:     ingressSrv,
		Bridge:        bridgeFacade{bridgeClient},
	})
	if err := feedSrv.Start(); err != nil {
		ingressSrv.Close()
		engine.Stop()
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			log.Printf("metrics: listening on %s", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics: serve: %v", err)
			}
		}()
	}

	done := make(chan struct{})

	// Session gauge follows every snapshot.
	snapshots, cancelSnapshots := engine.Subscribe()
	go func() {
		for snap := range snapshots {
			m.SetSessionsActive(len(snap.Sessions))
		}
	}()

	if bridgeClient != nil {
		scanner := discover.NewScanner(cfg.Discovery.LockDir,
			time.Duration(cfg.Discovery.PollIntervalMs)*time.Millisecond)
		go supervise(done, bridgeClient, feedSrv, scanner, cfg.Bridge.ConnectBackoffMs)
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Sweep.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.Process(ctx, state.SweepStale{Now: time.Now()}); err != nil {
			log.Printf("sweep: %v", err)
		}
	}); err != nil {
		log.Printf("sweep: bad schedule %q: %v", cfg.Sweep.Schedule, err)
	}
	sweeper.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("portholed: received %s, shutting down", sig)

	// Shutdown order: stop timers, stop surfaces, then the bridge (with a
	// graceful disconnect), then the engine.
	close(done)
	sweeper.Stop()
	feedSrv.Close()
	ingressSrv.Close()
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		metricsSrv.Shutdown(ctx)
		cancel()
	}
	if bridgeClient != nil {
		bridgeClient.Stop()
	}
	cancelSnapshots()
	engine.Stop()
	return nil
}

// supervise owns the bridge's connect policy: discovery results (or the
// helper's own discover.server fallback) drive connect calls with backoff,
// and helper restarts trigger reconnects.
func supervise(done <-chan struct{}, client *bridge.Client, feedSrv *feed.Server,
	scanner *discover.Scanner, backoffMs []int) {

	candidates := scanner.Watch(done)
	var current []discover.Candidate

	connect := func() {
		port, directory, ok := pickTarget(client, current)
		if !ok {
			log.Printf("supervisor: no upstream server discoverable")
			return
		}
		for attempt := 0; ; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			connected, err := client.Connect(ctx, port, directory)
			cancel()
			if err == nil && connected {
				log.Printf("supervisor: connected to upstream port %d", port)
				return
			}
			if attempt >= len(backoffMs) {
				log.Printf("supervisor: giving up on port %d (err=%v)", port, err)
				return
			}
			delay := time.Duration(backoffMs[attempt]) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-done:
				return
			}
		}
	}

	for {
		select {
		case <-done:
			return
		case set, ok := <-candidates:
			if !ok {
				return
			}
			current = set
			connect()
		case n, ok := <-client.Notifications():
			if !ok {
				return
			}
			feedSrv.BroadcastBridge(n)
			if n.Method == bridge.NotifDisconnected {
				// Helper died or lost upstream; reconnect once it is back.
				go func() {
					deadline := time.Now().Add(time.Minute)
					for time.Now().Before(deadline) {
						if client.Running() {
							connect()
							return
						}
						select {
						case <-time.After(500 * time.Millisecond):
						case <-done:
							return
						}
					}
				}()
			}
		}
	}
}

// pickTarget chooses the connect target: the lowest advertised port wins;
// with no lock files the helper's discover.server answer is used.
func pickTarget(client *bridge.Client, candidates []discover.Candidate) (port int, directory string, ok bool) {
	if len(candidates) > 0 {
		c := candidates[0]
		if len(c.WorkspaceFolders) > 0 {
			directory = c.WorkspaceFolders[0]
		}
		return c.Port, directory, true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	port, found, err := client.DiscoverServer(ctx)
	if err != nil || !found {
		return 0, "", false
	}
	return port, "", true
}

// bridgeFacade adapts the optional bridge client to the feed's interface;
// with no helper configured every query reports not running.
type bridgeFacade struct {
	client *bridge.Client
}

func (f bridgeFacade) AbortSession(ctx context.Context, sessionID string) (bool, error) {
	if f.client == nil {
		return false, bridge.ErrNotRunning
	}
	return f.client.AbortSession(ctx, sessionID)
}

func (f bridgeFacade) SessionMessages(ctx context.Context, sessionID string) ([]bridge.Message, error) {
	if f.client == nil {
		return nil, bridge.ErrNotRunning
	}
	return f.client.SessionMessages(ctx, sessionID)
}

func (f bridgeFacade) SessionTodos(ctx context.Context, sessionID string) ([]bridge.Todo, error) {
	if f.client == nil {
		return nil, bridge.ErrNotRunning
	}
	return f.client.SessionTodos(ctx, sessionID)
}

func status(out io.Writer, cfg *config.Config) error {
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get("http://" + cfg.Feed.Addr + "/healthz")
	if err != nil {
		fmt.Fprintf(out, "daemon: down (%v)\n", err)
		return nil
	}
	defer resp.Body.Close()

	var health struct {
		Sessions int    `json:"sessions"`
		Clients  int    `json:"clients"`
		Seq      uint64 `json:"seq"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(out, "daemon: up, unreadable health payload (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "daemon: up\nsessions: %d\nfeed clients: %d\nsnapshot seq: %d\n",
		health.Sessions, health.Clients, health.Seq)

	if cfg.Metrics.Addr != "" {
		if resp, err := client.Get("http://" + cfg.Metrics.Addr + "/metrics"); err == nil {
			resp.Body.Close()
			fmt.Fprintf(out, "metrics: up at %s\n", cfg.Metrics.Addr)
		} else {
			fmt.Fprintf(out, "metrics: down (%v)\n", err)
		}
	}
	return nil
}
