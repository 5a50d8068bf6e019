// Command gateway runs a client-facing message gateway node (C5): it
// terminates client connections, stamps messages with sequence numbers
// via the seqnum cluster, delivers locally or forwards to peer
// gateways, and fans group messages out via gateway/groupfanout.
package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prim-im/corechat/cache"
	"github.com/prim-im/corechat/config"
	"github.com/prim-im/corechat/directory"
	"github.com/prim-im/corechat/frame"
	"github.com/prim-im/corechat/gateway"
	"github.com/prim-im/corechat/gateway/groupfanout"
	"github.com/prim-im/corechat/internal/log"
	"github.com/prim-im/corechat/queue"
	"github.com/prim-im/corechat/reqwest"
)

func main() {
	cfgPath := flag.String("config", "gateway.toml", "path to gateway TOML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.Init(cfg.LogLevel)
	logger := log.New("cmd/gateway")

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

	store := buildCacheStore(cfg)
	defer store.Close()

	producer := buildProducer(cfg)
	defer producer.Close()

	dialer := net.Dialer{}
	dial := func(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
		if meshTLSCfg != nil {
			return (&tls.Dialer{NetDialer: &dialer, Config: meshTLSCfg}).DialContext(ctx, "tcp", addr)
		}
		return dialer.DialContext(ctx, "tcp", addr)
	}

	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		logger.Fatalf("build authenticator: %v", err)
	}

	gw := gateway.New(cfg.Server.NodeID, schedEP, authenticator, store, producer, cfg.MessageQueue.Topic, dial, cfg.Transport.ChannelDepth)
	defer gw.Close()

	fanout := groupfanout.NewManager(gw)
	gw.SetGroupRouter(fanout)
	defer fanout.Close()

	ctx := context.Background()
	if err := gw.Scheduler().Register(ctx, cfg.Server.NodeID, cfg.Server.ServiceAddress, cfg.Server.ClusterAddress); err != nil {
		logger.Warningf("register with scheduler: %v", err)
	}

	opts := streamOptions(cfg)

	clientLn, err := buildClientListener(cfg)
	if err != nil {
		logger.Fatalf("listen on %s: %v", cfg.Server.ServiceAddress, err)
	}
	logger.Infof("gateway %d accepting clients on %s (quic=%v)", cfg.Server.NodeID, cfg.Server.ServiceAddress, cfg.Transport.QUIC)

	var meshLn net.Listener
	if meshTLSCfg != nil {
		meshLn, err = tls.Listen("tcp", cfg.Server.ClusterAddress, meshTLSCfg)
	} else {
		meshLn, err = net.Listen("tcp", cfg.Server.ClusterAddress)
	}
	if err != nil {
		logger.Fatalf("listen on %s: %v", cfg.Server.ClusterAddress, err)
	}
	logger.Infof("gateway %d accepting peers on %s (mtls=%v)", cfg.Server.NodeID, cfg.Server.ClusterAddress, meshTLSCfg != nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("shutting down")
		_ = clientLn.Close()
		_ = meshLn.Close()
	}()

	go acceptClients(clientLn, gw, opts, logger)
	// Peer links use Strict framing, matching the mesh dialer's
	// frame.NewMsgStream defaults.
	peerOpts := append(opts[:len(opts):len(opts)], frame.WithMode(frame.Strict))
	go acceptPeers(meshLn, gw, peerOpts, logger)
	go heartbeat(ctx, gw, cfg.Server.NodeID, logger)

	<-sigCh
}

func acceptClients(ln gateway.Listener, gw *gateway.Gateway, opts []frame.Option, logger interface{ Infof(string, ...any) }) {
	ctx := context.Background()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			logger.Infof("client accept loop stopped: %v", err)
			return
		}
		go func(c io.ReadWriteCloser) {
			if err := gw.HandleConn(context.Background(), c, opts...); err != nil {
				logger.Infof("client handshake failed: %v", err)
			}
		}(conn)
	}
}

func buildClientListener(cfg config.Config) (gateway.Listener, error) {
	if cfg.Transport.QUIC {
		return gateway.NewQUICListener(cfg.Server.ServiceAddress, nil)
	}
	return gateway.NewTCPListener(cfg.Server.ServiceAddress)
}

func acceptPeers(ln net.Listener, gw *gateway.Gateway, opts []frame.Option, logger interface{ Infof(string, ...any) }) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Infof("peer accept loop stopped: %v", err)
			return
		}
		go gw.HandlePeerConn(context.Background(), conn, opts...)
	}
}

func heartbeat(ctx context.Context, gw *gateway.Gateway, nodeID uint32, logger interface{ Warningf(string, ...any) }) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := gw.Scheduler().Heartbeat(ctx, nodeID, gw.SessionCount()); err != nil {
			logger.Warningf("heartbeat failed: %v", err)
		}
	}
}

func streamOptions(cfg config.Config) []frame.Option {
	mode := frame.Resync
	if cfg.Transport.Mode == "strict" {
		mode = frame.Strict
	}
	return []frame.Option{
		frame.WithMode(mode),
		frame.WithIdleTimeout(time.Duration(cfg.Transport.IdleTimeoutMs) * time.Millisecond),
		frame.WithChannelDepth(cfg.Transport.ChannelDepth),
	}
}

func buildCacheStore(cfg config.Config) cache.Store {
	if cfg.Redis.Address == "" {
		return cache.NewMemStore()
	}
	return cache.NewRedisStore(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
}

// buildAuthenticator returns a gateway.TokenAuthenticator backed by a
// directory.TokenStore pre-provisioned from cfg.Auth.Tokens when
// cfg.Auth.TokenKeyHex is set, falling back to StaticAuthenticator for
// local development.
func buildAuthenticator(cfg config.Config) (gateway.Authenticator, error) {
	if cfg.Auth.TokenKeyHex == "" {
		return gateway.StaticAuthenticator{}, nil
	}
	key, err := hex.DecodeString(cfg.Auth.TokenKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode auth.token_key_hex: %w", err)
	}
	hasher, err := directory.NewTokenHasher(key)
	if err != nil {
		return nil, err
	}
	store := directory.NewTokenStore(hasher)
	for _, t := range cfg.Auth.Tokens {
		store.Issue([]byte(t.Token), t.UserID)
	}
	return gateway.TokenAuthenticator{Store: store}, nil
}

func buildProducer(cfg config.Config) queue.Producer {
	if len(cfg.MessageQueue.Brokers) == 0 {
		return queue.NoopProducer{}
	}
	return queue.NewKafkaProducer(cfg.MessageQueue.Brokers)
}
