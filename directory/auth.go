package directory

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ClusterTLSConfig builds the *tls.Config for the inter-node mesh
// listener/dialer when mTLS is configured (spec §9(c)). It returns nil,
// nil when certPath/keyPath are empty, meaning the caller should fall
// back to a plain net.Listener/net.Dial with no peer authentication. With
// cert/key but no caPath it is server-authenticated TLS only; caPath adds
// RequireAndVerifyClientCert.
func ClusterTLSConfig(certPath, keyPath, caPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("directory: load cluster cert/key: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	if caPath == "" {
		return cfg, nil
	}
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("directory: read cluster CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("directory: no certificates parsed from %s", caPath)
	}
	cfg.ClientCAs = pool
	cfg.RootCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}
