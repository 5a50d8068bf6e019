package gateway

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
)

// Listener is the gateway's client-facing accept loop abstraction:
// spec §4.6 calls for QUIC (preferred, native multiplexing) with a TCP
// fallback, and both need to hand HandleConn the same
// io.ReadWriteCloser shape per accepted client.
type Listener interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Addr() net.Addr
	Close() error
}

// tcpListener adapts a net.Listener to Listener.
type tcpListener struct{ ln net.Listener }

// NewTCPListener is the fallback transport named in spec §4.6 for
// deployments that can't terminate QUIC (no UDP egress, middleboxes).
func NewTCPListener(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

func (t *tcpListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	return t.ln.Accept()
}
func (t *tcpListener) Addr() net.Addr { return t.ln.Addr() }
func (t *tcpListener) Close() error   { return t.ln.Close() }

// quicListener adapts a quic.Listener to Listener: one accepted
// connection yields exactly one bidirectional stream, which is all a
// gateway session needs (the frame layer does its own Msg-level
// multiplexing on top, per C1).
type quicListener struct {
	ln quic.Listener
}

// NewQUICListener starts the preferred client transport (spec §4.6).
// tlsConf may be nil, in which case an ephemeral self-signed certificate
// is generated — acceptable for the gateway's own ALPN tag, since client
// authentication happens at the Msg layer (Auth message, see auth.go),
// not via the TLS handshake.
func NewQUICListener(addr string, tlsConf *tls.Config) (Listener, error) {
	if tlsConf == nil {
		var err error
		tlsConf, err = generateSelfSignedTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("gateway: generate TLS config: %w", err)
		}
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  2 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &quicListener{ln: ln}, nil
}

func (q *quicListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := q.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream accept failed")
		return nil, err
	}
	return &quicStreamConn{stream: stream, conn: conn}, nil
}

func (q *quicListener) Addr() net.Addr { return q.ln.Addr() }
func (q *quicListener) Close() error   { return q.ln.Close() }

// quicStreamConn closes the owning connection alongside its one stream,
// since a gateway session owns the connection for its whole lifetime.
type quicStreamConn struct {
	stream quic.Stream
	conn   quic.Connection
}

func (c *quicStreamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicStreamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *quicStreamConn) Close() error {
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "session closed")
}

// DialQUIC opens the client side of the preferred transport, used by
// tests and by any intra-cluster component that speaks the client
// protocol (e.g. an integration harness) rather than the inter-node mesh.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (io.ReadWriteCloser, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return nil, err
	}
	return &quicStreamConn{stream: stream, conn: conn}, nil
}

func generateSelfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"corechat-v1"},
	}, nil
}
