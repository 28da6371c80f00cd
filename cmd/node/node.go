package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/helinwang/log15"

	"github.com/krampslaag/bikera/pkg/chain"
	"github.com/krampslaag/bikera/pkg/gossip"
	bnet "github.com/krampslaag/bikera/pkg/net"
	"github.com/krampslaag/bikera/pkg/node"
)

func main() {
	id := flag.String("id", "", "node id, defaults to the hostname")
	addr := flag.String("addr", ":9080", "address to listen for peer connections on")
	seed := flag.String("seed", "", "seed node address")
	dataDir := flag.String("datadir", "./data", "directory for the chain and registry files")
	intervalDur := flag.Duration("interval", 600*time.Second, "mining interval duration")
	minNodes := flag.Int("min-nodes", 1, "nodes required before consensus rounds start")
	flag.Parse()

	cfg := node.DefaultConfig()
	cfg.NodeID = *id
	cfg.DataDir = *dataDir
	cfg.IntervalDuration = *intervalDur
	cfg.MinNodes = *minNodes
	if cfg.NodeID == "" {
		h, err := os.Hostname()
		if err != nil {
			panic(err)
		}
		cfg.NodeID = fmt.Sprintf("%s-%d", h, os.Getpid())
	}

	ledger, err := chain.Open(filepath.Join(cfg.DataDir, "blockchain.json"), cfg.BlockReward)
	if err != nil {
		panic(err)
	}

	manager := node.NewManager(cfg.NodeID, cfg.DataDir, cfg.EraLength, cfg.PeerTimeout, cfg.PeerPurgeTimeout)

	vrf, err := gossip.NewVRF()
	if err != nil {
		panic(err)
	}

	peers := gossip.NewNode(cfg.NodeID, *addr, bnet.NewTransport(), cfg.PeerTimeout)
	consensus := gossip.NewConsensus(peers, vrf, cfg.ConsensusRoundDuration, cfg.MinNodes)

	svc, err := node.NewService(cfg, ledger, manager, peers)
	if err != nil {
		panic(err)
	}
	consensus.SetIntervalSource(svc.IntervalCounter)

	var seeds []string
	if *seed != "" {
		seeds = append(seeds, *seed)
	}
	if err := peers.Start(seeds); err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go peers.RunHeartbeat(ctx, cfg.HeartbeatInterval)
	go consensus.Run(ctx)

	log.Info("node started", "id", cfg.NodeID, "addr", *addr, "datadir", cfg.DataDir)
	if err := svc.Run(ctx); err != nil {
		log.Error("node stopped with error", "err", err)
		os.Exit(1)
	}
	log.Info("node stopped")
}
