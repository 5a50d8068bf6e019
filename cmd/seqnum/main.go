// Command seqnum runs one shard of the sequence-number service (C3):
// it registers with the scheduler, then serves Next assignments for
// whatever conversation keys the scheduler places on this shard.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prim-im/corechat/config"
	"github.com/prim-im/corechat/directory"
	"github.com/prim-im/corechat/gateway"
	"github.com/prim-im/corechat/internal/log"
	"github.com/prim-im/corechat/reqwest"
	"github.com/prim-im/corechat/seqnum"
)

func main() {
	cfgPath := flag.String("config", "seqnum.toml", "path to seqnum TOML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.Init(cfg.LogLevel)
	logger := log.New("cmd/seqnum")

	engine, err := seqnum.Open(cfg.Seqnum.AppendDir)
	if err != nil {
		logger.Fatalf("open engine: %v", err)
	}
	defer engine.Close()

	meshTLSCfg, err := directory.ClusterTLSConfig(cfg.Server.ClusterCertPath, cfg.Server.ClusterKeyPath, cfg.Server.ClusterCAPath)
	if err != nil {
		logger.Fatalf("cluster TLS config: %v", err)
	}
	var schedConn io.ReadWriteCloser
	if meshTLSCfg != nil {
		schedConn, err = tls.Dial("tcp", cfg.RPC.Scheduler.Address, meshTLSCfg)
	} else {
		schedConn, err = net.Dial("tcp", cfg.RPC.Scheduler.Address)
	}
	if err != nil {
		logger.Fatalf("dial scheduler %s: %v", cfg.RPC.Scheduler.Address, err)
	}
	schedEP := reqwest.NewEndpoint([]io.ReadWriteCloser{schedConn}, false)
	defer schedEP.Close()
	sched := gateway.NewSchedulerClient(schedEP)

	ctx := context.Background()
	if err := sched.Register(ctx, cfg.Server.NodeID, cfg.Server.ServiceAddress, cfg.Server.ClusterAddress); err != nil {
		logger.Warningf("register with scheduler: %v", err)
	}

	var ln net.Listener
	if meshTLSCfg != nil {
		ln, err = tls.Listen("tcp", cfg.Server.ServiceAddress, meshTLSCfg)
	} else {
		ln, err = net.Listen("tcp", cfg.Server.ServiceAddress)
	}
	if err != nil {
		logger.Fatalf("listen on %s: %v", cfg.Server.ServiceAddress, err)
	}
	logger.Infof("seqnum shard %d listening on %s (mtls=%v)", cfg.Server.NodeID, cfg.Server.ServiceAddress, meshTLSCfg != nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("shutting down")
		_ = ln.Close()
	}()

	go heartbeat(ctx, sched, cfg.Server.NodeID, logger)

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Infof("accept loop stopped: %v", err)
			return
		}
		go func(c net.Conn) {
			ep := reqwest.NewEndpoint([]io.ReadWriteCloser{c}, true)
			seqnum.Bind(engine, ep)
		}(conn)
	}
}

func heartbeat(ctx context.Context, sched *gateway.SchedulerClient, nodeID uint32, logger interface{ Warningf(string, ...any) }) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		// A seqnum shard has no natural connection-count analogue to a
		// gateway's session count, so it reports a flat zero load; it
		// still refreshes its liveness and is excluded from Overload
		// selection like every other node type.
		if err := sched.Heartbeat(ctx, nodeID, 0); err != nil {
			logger.Warningf("heartbeat failed: %v", err)
		}
	}
}
