// Command scheduler runs the cluster's directory/placement node (C4):
// the node registry, user->gateway placement, and conversation->seqnum-
// shard assignment, exposed over reqwest RPCs.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prim-im/corechat/config"
	"github.com/prim-im/corechat/directory"
	"github.com/prim-im/corechat/internal/log"
	"github.com/prim-im/corechat/reqwest"
)

func main() {
	cfgPath := flag.String("config", "scheduler.toml", "path to scheduler TOML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.Init(cfg.LogLevel)
	logger := log.New("cmd/scheduler")

	reg, err := directory.Open(cfg.Scheduler.AssignmentDir)
	if err != nil {
		logger.Fatalf("open registry: %v", err)
	}
	defer reg.Close()
	groups := directory.NewGroupRegistry()
	svc := directory.NewService(reg, groups)

	tlsCfg, err := directory.ClusterTLSConfig(cfg.Server.ClusterCertPath, cfg.Server.ClusterKeyPath, cfg.Server.ClusterCAPath)
	if err != nil {
		logger.Fatalf("cluster TLS config: %v", err)
	}
	var ln net.Listener
	if tlsCfg != nil {
		ln, err = tls.Listen("tcp", cfg.Server.ClusterAddress, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", cfg.Server.ClusterAddress)
	}
	if err != nil {
		logger.Fatalf("listen on %s: %v", cfg.Server.ClusterAddress, err)
	}
	logger.Infof("scheduler %d listening on %s (mtls=%v)", cfg.Server.NodeID, cfg.Server.ClusterAddress, tlsCfg != nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("shutting down")
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Infof("accept loop stopped: %v", err)
			return
		}
		go func(c net.Conn) {
			ep := reqwest.NewEndpoint([]io.ReadWriteCloser{c}, true)
			svc.Bind(ep)
		}(conn)
	}
}
