// Copyright (C) 2015-2022 The Lightning Network Developers

package flintd

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/flintlabs/flintd/blockdb"
	"github.com/flintlabs/flintd/chainsync"
	"github.com/flintlabs/flintd/p2p"
	"github.com/flintlabs/flintd/signal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Main is the true entry point for flintd. It performs the two-phase initial
// block-chain synchronization: first the header chain is completed from one
// peer at a time, then the block bodies are downloaded in parallel from a
// quorum of peers. It returns once the local chain has caught up or the
// interceptor requests shutdown.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		_ = logWriter.Close()
	}()

	err := logWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("unable to initialize logging: %w", err)
	}
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return err
	}

	params := cfg.Params()

	flntLog.Infof("Version %s, network %s", Version(), params.Name)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("unable to create data dir: %w", err)
	}

	db, err := blockdb.Open(filepath.Join(cfg.DataDir, "blocks.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	// The trusted starting point is the tip of the already-stored chain,
	// or genesis on first run.
	firstHeight, seedHash, err := db.Tip()
	if err != nil {
		return err
	}
	if seedHash == nil {
		firstHeight = 0
		seedHash = params.GenesisHash
	}

	hashes := chainsync.NewHashList(*seedHash)

	hosts := p2p.NewHostStore(p2p.HostStoreConfig{
		Params:       params,
		ConnectPeers: cfg.ConnectPeers,
		NoDNSSeed:    cfg.NoDNSSeed,
	})
	hosts.Start()
	defer hosts.Stop()

	connector := p2p.NewConnector(p2p.ConnectorConfig{
		Params:           params,
		UserAgentName:    "flintd",
		UserAgentVersion: Version(),
		BestHeight: func() int32 {
			return int32(firstHeight)
		},
	})

	headerSession := chainsync.NewHeaderSyncSession(
		chainsync.HeaderSyncSessionConfig{
			Hosts:       hosts,
			Connector:   connector,
			Hashes:      hashes,
			FirstHeight: firstHeight,
			Checkpoints: params.Checkpoints,
			MinimumRate: cfg.HeadersPerSecond,
		},
	)

	blockSession := chainsync.NewBlockSyncSession(
		chainsync.BlockSyncSessionConfig{
			Hosts:       hosts,
			Connector:   connector,
			Hashes:      hashes,
			FirstHeight: firstHeight,
			Store:       db,
			MinimumRate: cfg.BlocksPerMinute,
			Quorum:      cfg.Quorum,
			Parallelism: cfg.SyncPeers,
			BatchSize:   cfg.BlockBatchSize,
		},
	)

	// The sessions expose plain Stop entry points; wiring them to signals
	// and the console belongs here, not in the core.
	go func() {
		<-interceptor.ShutdownChannel()
		headerSession.Stop()
		blockSession.Stop()
		hosts.Stop()
	}()
	go watchConsole(interceptor)

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		defer server.Close()

		go func() {
			flntLog.Infof("Serving metrics on %s",
				cfg.MetricsListen)
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				flntLog.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	flntLog.Infof("Synchronizing block headers from height %d", firstHeight)

	if err := headerSession.Run(); err != nil {
		if errors.Is(err, chainsync.ErrSessionStopped) {
			flntLog.Infof("Header sync aborted by shutdown")
			return nil
		}
		return fmt.Errorf("header sync failed: %w", err)
	}

	headerTip := firstHeight + uint32(hashes.Len()) - 1
	flntLog.Infof("Header chain synchronized to height %d", headerTip)

	// The hash list is frozen from here on; block sync shares it
	// read-only across its peers.
	flntLog.Infof("Synchronizing blocks %d-%d from %d peers",
		firstHeight+1, headerTip, cfg.SyncPeers)

	if err := blockSession.Run(); err != nil {
		if errors.Is(err, chainsync.ErrSessionStopped) {
			flntLog.Infof("Block sync aborted by shutdown")
			return nil
		}
		return fmt.Errorf("block sync failed: %w", err)
	}

	flntLog.Infof("Block chain synchronized to height %d", headerTip)

	return nil
}

// watchConsole turns a "stop" line on stdin into a shutdown request.
func watchConsole(interceptor signal.Interceptor) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if scanner.Text() == "stop" {
			interceptor.RequestShutdown()
			return
		}
	}
}
