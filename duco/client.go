package duco

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

const (
	nodesPath = "/info/nodes"
	infoPath  = "/info"

	connectTimeout = 15 * time.Second
	maxBodySize    = 4 << 20
)

// Fetcher performs one fetch of the node list. Implementations do not retry.
type Fetcher interface {
	FetchNodes(ctx context.Context) (json.RawMessage, error)
}

// BoardFetcher is implemented by transports that can also fetch the box-level /info document.
type BoardFetcher interface {
	FetchBoard(ctx context.Context) (json.RawMessage, error)
}

// TrustConfig selects how the board's TLS certificate is validated. With neither option set the
// system roots are used.
type TrustConfig struct {
	// CertificateFile is a PEM bundle the board certificate must chain to.
	CertificateFile string
	// Insecure disables certificate validation.
	Insecure bool
}

// Client talks to the connectivity board's REST API over HTTPS.
type Client struct {
	host string
	http *http.Client
}

// NewClient creates a client for host. When ip is set, connections go to that address while the
// host name is still used for the request and for certificate validation.
func NewClient(host string, ip string, trust TrustConfig) (*Client, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if trust.CertificateFile != "" {
		pem, err := os.ReadFile(trust.CertificateFile)
		if err != nil {
			return nil, fmt.Errorf("reading certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %v", trust.CertificateFile)
		}
		tlsConfig.RootCAs = pool
	} else if trust.Insecure {
		tlsConfig.InsecureSkipVerify = true
	}

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConns:        2,
		IdleConnTimeout:     90 * time.Second,
	}

	if ip != "" {
		port := "443"
		if _, p, err := net.SplitHostPort(host); err == nil {
			port = p
		}
		addr := net.JoinHostPort(ip, port)

		transport.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		}
	}

	return &Client{
		host: host,
		http: &http.Client{Transport: transport},
	}, nil
}

func (c *Client) FetchNodes(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, nodesPath)
}

func (c *Client) FetchBoard(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, infoPath)
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%v%v", c.host, path), nil)
	if err != nil {
		return nil, &FetchError{Path: path, Kind: ErrNetwork, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Path: path, Kind: ErrNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, &FetchError{Path: path, Kind: ErrHTTPStatus, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &FetchError{Path: path, Kind: ErrNetwork, Err: err}
	}

	if !json.Valid(body) {
		return nil, &FetchError{Path: path, Kind: ErrDecode}
	}

	return json.RawMessage(body), nil
}
