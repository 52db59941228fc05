// Command txmand runs one TxMan coordinator replica: it serves client
// transaction requests, exchanges 2a/2b Paxos messages with the rest of
// its home group, and exchanges commit records, votes, and decisions
// with the other participating data centers.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/nikileshsa/consus-txman/admin/introspect"
	"github.com/nikileshsa/consus-txman/core/daemon"
	"github.com/nikileshsa/consus-txman/core/kvs"
	"github.com/nikileshsa/consus-txman/core/synod"
	"github.com/nikileshsa/consus-txman/internal/config"
	"github.com/nikileshsa/consus-txman/internal/telemetry"
	"github.com/nikileshsa/consus-txman/pkg/logger"
	"github.com/nikileshsa/consus-txman/transport"
)

var (
	dataCenterID    = flag.String("dc_id", "dc1", "Identity of this replica's data center")
	localID         = flag.String("local_id", "node1", "Unique replica id within its home groups")
	listenAddr      = flag.String("listen_addr", "127.0.0.1:9000", "Client and peer TCP bind address")
	interDCAddr     = flag.String("interdc_addr", "127.0.0.1:9443", "Inter-DC HTTP/3 bind address")
	metricsAddr     = flag.String("metrics_addr", "127.0.0.1:9464", "Prometheus metrics bind address")
	adminAddr       = flag.String("admin_addr", "127.0.0.1:9465", "Read-only admin introspection bind address")
	persistDir      = flag.String("persist_dir", "/tmp/txman", "Durable storage directory for the per-transaction Paxos log")
	homeGroups      = flag.String("home_groups", "shard1=node1@127.0.0.1:9000", "Comma-separated group=id@addr[;id@addr...] membership list")
	dataCenters     = flag.String("data_centers", "", "Comma-separated dc=addr pairs for other participating data centers")
	kvsAddr         = flag.String("kvs_addr", "", "Address of a remote key-value store (no remote client exists: the in-process store is always used)")
	workerPoolSize  = flag.Int("worker_pool_size", 8, "Number of goroutines draining inbound work")
	backgroundTick  = flag.Duration("background_tick", 500*time.Millisecond, "Interval between background retry sweeps")
	peerPoolSize    = flag.Int("peer_pool_size", 8, "Maximum pooled outbound connections per home-group peer")
	peerDialTimeout = flag.Duration("peer_dial_timeout", 2*time.Second, "Timeout for dialing a home-group peer")
	collectDelay    = flag.Duration("collection_delay", 30*time.Second, "How long a terminated transaction lingers before collection")
	logLevel        = flag.String("log_level", "info", "Log level: debug, info, warn, error")
	logConfigFile   = flag.String("log_config", "", "Optional path to a YAML file (level/format/output_file) replacing -log_level and the default console/stdout output")
	metricsEnabled  = flag.Bool("metrics_enabled", true, "Whether to export OpenTelemetry/Prometheus metrics")
)

func main() {
	flag.Parse()

	logCfg := logger.Config{Level: *logLevel, Format: "console", OutputFile: "stdout"}
	if *logConfigFile != "" {
		fileCfg, err := logger.LoadConfigFile(*logConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "txmand: %v\n", err)
			os.Exit(1)
		}
		logCfg = fileCfg
	}
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "txmand: building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("txmand exiting", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	groups, err := parseHomeGroups(*homeGroups)
	if err != nil {
		return fmt.Errorf("parsing -home_groups: %w", err)
	}
	dcs, err := parseDataCenters(*dataCenters)
	if err != nil {
		return fmt.Errorf("parsing -data_centers: %w", err)
	}

	cfg := &config.Config{
		DataCenterID:    *dataCenterID,
		LocalID:         raft.ServerID(*localID),
		HomeGroups:      groups,
		ListenAddr:      *listenAddr,
		InterDCAddr:     *interDCAddr,
		PersistDir:      *persistDir,
		DataCenters:     dcs,
		KVSAddr:         *kvsAddr,
		WorkerPoolSize:  *workerPoolSize,
		BackgroundTick:  *backgroundTick,
		CollectionDelay: *collectDelay,
		PeerPoolSize:    *peerPoolSize,
		PeerDialTimeout: *peerDialTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfgStore := config.NewStore(cfg)

	if err := os.MkdirAll(*persistDir, 0o750); err != nil {
		return fmt.Errorf("creating persist dir %s: %w", *persistDir, err)
	}
	logPath := filepath.Join(*persistDir, "synod.bolt")
	store, err := synod.OpenStore(logPath)
	if err != nil {
		return fmt.Errorf("opening synod store: %w", err)
	}
	defer store.Close()

	metrics, shutdownMetrics, err := telemetry.New(telemetry.Config{
		Enabled:     *metricsEnabled,
		ServiceName: "txman",
	})
	if err != nil {
		return fmt.Errorf("building telemetry: %w", err)
	}
	defer shutdownMetrics(context.Background())

	var metricsSrv *http.Server
	if *metricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler)
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	// The backing key-value store is always the in-process MemStore; no
	// remote kvs.Store client exists, so a non-empty kvsAddr is only
	// logged and otherwise ignored (§2).
	kvsStore := kvs.NewMemStore()
	if *kvsAddr != "" {
		log.Warn("kvs_addr set but no remote KVS client is wired; falling back to the in-process store",
			zap.String("kvs_addr", *kvsAddr))
	}

	// SetSender is called once the transport Router exists: the daemon
	// must exist first since the Router dispatches inbound messages
	// straight into it, but the daemon can't send anything out until the
	// Router is built.
	dm := daemon.New(cfgStore, store, kvsStore, metrics, log, nil)

	router, err := transport.NewRouter(cfgStore, dm, log)
	if err != nil {
		return fmt.Errorf("building transport: %w", err)
	}
	dm.SetSender(router)

	stopDaemon := dm.Start()

	// Replay every transaction this replica's durable store still holds
	// before serving client or inter-DC traffic (the peer listener opened
	// by NewRouter is already accepting), so a solo leader restarting after a
	// crash resumes exactly where it left off instead of silently
	// forgetting anything only it knew about (§1, §7, §8 scenario 5).
	restored, err := dm.RestoreAll(groupConfigs(groups, raft.ServerID(*localID)))
	if err != nil {
		return fmt.Errorf("restoring persisted transactions: %w", err)
	}
	if restored > 0 {
		log.Info("replayed persisted transactions from a prior crash", zap.Int("count", restored))
	}

	adminMux := http.NewServeMux()
	adminMux.Handle("/admin/introspect", introspect.NewHandler(dm, log))
	adminSrv := &http.Server{Addr: *adminAddr, Handler: adminMux}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("admin server stopped", zap.Error(err))
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- router.Serve() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	log.Info("txman replica started",
		zap.String("dc", *dataCenterID),
		zap.String("local_id", *localID),
		zap.String("listen_addr", *listenAddr),
		zap.String("interdc_addr", *interDCAddr))

	select {
	case s := <-sig:
		log.Info("received signal, shutting down", zap.String("signal", s.String()))
	case err := <-serveErr:
		log.Error("transport listener stopped unexpectedly", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	router.Close(shutdownCtx)
	stopDaemon()
	adminSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info("txman replica stopped")
	return nil
}

// parseHomeGroups decodes "group=id@addr;id@addr,group2=id@addr" into
// the raft.Configuration membership map cfg.HomeGroups expects.
func parseHomeGroups(spec string) (map[string]raft.Configuration, error) {
	groups := make(map[string]raft.Configuration)
	if strings.TrimSpace(spec) == "" {
		return groups, nil
	}
	for _, groupSpec := range strings.Split(spec, ",") {
		parts := strings.SplitN(groupSpec, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("malformed group spec %q", groupSpec)
		}
		name := parts[0]
		var servers []raft.Server
		for _, member := range strings.Split(parts[1], ";") {
			idAddr := strings.SplitN(member, "@", 2)
			if len(idAddr) != 2 {
				return nil, fmt.Errorf("malformed member %q in group %q", member, name)
			}
			servers = append(servers, raft.Server{
				ID:      raft.ServerID(idAddr[0]),
				Address: raft.ServerAddress(idAddr[1]),
			})
		}
		groups[name] = raft.Configuration{Servers: servers}
	}
	return groups, nil
}

// groupConfigs turns the raft.Configuration membership this replica was
// started with into the synod.Group shape RestoreAll needs to hand each
// rediscovered transaction its home-group view.
func groupConfigs(groups map[string]raft.Configuration, local raft.ServerID) map[string]synod.Group {
	out := make(map[string]synod.Group, len(groups))
	for name, members := range groups {
		out[name] = synod.Group{Local: local, Members: members}
	}
	return out
}

// parseDataCenters decodes "dc1=addr1,dc2=addr2" into the DataCenters
// map used to resolve inter-DC send targets.
func parseDataCenters(spec string) (map[string]config.DataCenter, error) {
	dcs := make(map[string]config.DataCenter)
	if strings.TrimSpace(spec) == "" {
		return dcs, nil
	}
	for _, dcSpec := range strings.Split(spec, ",") {
		parts := strings.SplitN(dcSpec, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("malformed data center spec %q", dcSpec)
		}
		dcs[parts[0]] = config.DataCenter{ID: parts[0], Addr: parts[1]}
	}
	return dcs, nil
}
