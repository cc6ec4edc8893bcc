// Package client is the HTTP client for the wordai command surface.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// DefaultBaseURL matches the daemon's default listen address and base path.
const DefaultBaseURL = "http://127.0.0.1:8765/api"

// ErrConflictingOperation is matched by an *APIError for a 409 reply: another
// start or stop was already in progress.
var ErrConflictingOperation = errors.New("conflicting lifecycle operation in progress")

// ErrNoExit is returned by LastExit when no child has exited yet.
var ErrNoExit = errors.New("no exit recorded yet")

// APIError is a non-2xx reply from the daemon.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (HTTP %d, %s): %s", e.Status, e.Kind, e.Message)
}

// Is lets errors.Is match the sentinel errors of this package.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrConflictingOperation:
		return e.Status == http.StatusConflict
	case ErrNoExit:
		return e.Status == http.StatusNotFound && e.Kind == "not_found"
	}
	return false
}

// Client talks to a running daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// New creates a client. A TLS setup failure is returned rather than
// silently falling back to plain HTTP.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("client TLS setup: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable reports whether the daemon answers the status route.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	if err != nil {
		c.logger.Debug("daemon unreachable", "url", c.baseURL, "error", err)
		return false
	}
	return true
}

// Start asks the daemon to start the service and returns the resulting status.
func (c *Client) Start(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodPost, "/service/start", &st)
	return st, err
}

// Stop asks the daemon to stop the service. It returns once the child is
// gone; the result reports whether it had to be killed.
func (c *Client) Stop(ctx context.Context) (StopResult, error) {
	var res StopResult
	err := c.do(ctx, http.MethodPost, "/service/stop", &res)
	return res, err
}

// Status returns the current service status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/service/status", &st)
	return st, err
}

// LastExit returns how the most recent child ended, or ErrNoExit.
func (c *Client) LastExit(ctx context.Context) (ExitInfo, error) {
	var info ExitInfo
	err := c.do(ctx, http.MethodGet, "/service/exit", &info)
	return info, err
}

// History returns up to limit recent lifecycle events, newest first. A
// non-positive limit uses the daemon's default.
func (c *Client) History(ctx context.Context, limit int) ([]Event, error) {
	path := "/service/history"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var events []Event
	err := c.do(ctx, http.MethodGet, path, &events)
	return events, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		// #nosec G402 -- explicitly requested for self-signed local certificates
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if t := config.TLS; t != nil {
		tlsConfig.InsecureSkipVerify = t.SkipVerify // #nosec G402
		tlsConfig.ServerName = t.ServerName
		if t.CACert != "" {
			if err := loadCACert(tlsConfig, t.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if t.ClientCert != "" && t.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// do sends a bodiless request and decodes a 2xx JSON reply into out when
// out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s reply: %w", path, err)
	}
	return nil
}

// handleErrorResponse turns an error reply into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Kind = body.Kind
	}
	c.logger.Debug("API request failed", "status", resp.StatusCode, "kind", apiErr.Kind, "error", apiErr.Message)
	return apiErr
}
