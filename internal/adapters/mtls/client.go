// Package mtls carries newline-delimited JSON messages to a hub over a
// mutually authenticated TLS 1.3 connection.
package mtls

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	writeTimeout = 10 * time.Second

	// snapshots are small; anything larger is a broken peer
	maxMessageSize = 1 << 20
)

// ErrNotConnected is returned by Send before Connect succeeds or after Close
var ErrNotConnected = errors.New("not connected to hub")

// Command represents a command received from Hub
type Command struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// CommandAck represents acknowledgment sent to Hub
type CommandAck struct {
	CommandID string                 `json:"command_id"`
	Status    string                 `json:"status"` // "ok" or "error"
	Error     string                 `json:"error,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"` // Additional response data
}

// Client handles mTLS connection to Hub
type Client struct {
	hubAddr string
	tlsConf *tls.Config
	log     *slog.Logger

	mu   sync.Mutex
	conn net.Conn

	// OnCommand is called when a command is received from Hub
	OnCommand func(cmd Command) CommandAck
}

// NewClient creates a new mTLS client
func NewClient(hubAddr string, cert tls.Certificate, rootCAs *x509.CertPool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		hubAddr: hubAddr,
		tlsConf: ClientConfig(cert, rootCAs),
		log:     logger,
	}
}

// Connect establishes mTLS connection to Hub, replacing any previous connection
func (c *Client) Connect(ctx context.Context) error {
	dialer := &tls.Dialer{Config: c.tlsConf}
	conn, err := dialer.DialContext(ctx, "tcp", c.hubAddr)
	if err != nil {
		return fmt.Errorf("failed to dial hub %s: %w", c.hubAddr, err)
	}

	// Explicitly perform handshake to catch TLS errors early
	if err := conn.(*tls.Conn).HandshakeContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	c.log.Info("connected to hub via mTLS", "hub", c.hubAddr)
	return nil
}

// Send writes one message followed by a newline
func (c *Client) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Listen reads commands from Hub and answers each with an acknowledgment.
// It returns when the connection is closed or broken.
func (c *Client) Listen() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxMessageSize)
	for scanner.Scan() {
		var cmd Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			c.log.Warn("failed to parse command", "error", err)
			continue
		}

		// Handle command
		var ack CommandAck
		if c.OnCommand != nil {
			ack = c.OnCommand(cmd)
		} else {
			ack = CommandAck{CommandID: cmd.ID, Status: "ok"}
		}

		// Send acknowledgment
		ackData, err := json.Marshal(ack)
		if err != nil {
			c.log.Error("failed to encode ack", "command", cmd.ID, "error", err)
			continue
		}
		if err := c.Send(ackData); err != nil {
			c.log.Warn("failed to send ack", "command", cmd.ID, "error", err)
		}
	}
	return scanner.Err()
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// LoadCredentials reads a certificate/key pair and the CA bundle that
// signed the peer
func LoadCredentials(certFile, keyFile, caFile string) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return tls.Certificate{}, nil, errors.New("failed to parse CA certificate")
	}
	return cert, pool, nil
}

// ClientConfig returns a TLS 1.3 client config that presents cert and
// trusts servers signed by rootCAs
func ClientConfig(cert tls.Certificate, rootCAs *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      rootCAs,
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
	}
}

// ServerConfig returns a TLS 1.3 server config that requires client
// certificates signed by clientCAs
func ServerConfig(cert tls.Certificate, clientCAs *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientCAs,
		MinVersion:   tls.VersionTLS13,
	}
}
