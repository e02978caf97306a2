// Package lightning models the Lightning node collaborator (spec §6): invoice
// creation, settlement subscription, payment, and preimage lookup. The
// service never runs its own Lightning node; it speaks to one over an
// authenticated RPC channel, grounded on the teacher's lending-engine RPC
// client (TLS + bearer/macaroon header, JSON request/response envelope).
package lightning

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// HoldInvoiceRequest describes a requested hold invoice.
type HoldInvoiceRequest struct {
	AmountMsat  uint64
	Description string
	ExpirySecs  uint32
}

// HoldInvoice is the node's response to add-hold-invoice.
type HoldInvoice struct {
	PaymentHash [32]byte
	Invoice     string // BOLT-11
}

// SettleNotification is delivered by subscribe-invoices when a held invoice
// is paid.
type SettleNotification struct {
	PaymentHash [32]byte
	AmountMsat  uint64
	Preimage    [32]byte
}

// PaymentResult is the outcome of send-payment-sync.
type PaymentResult struct {
	Preimage [32]byte
	Settled  bool
	Reason   string // populated on failure: no_route, timeout, etc.
}

// Node is the minimal RPC surface the service requires from a Lightning
// node (spec §6): add-hold-invoice, settle-invoice, subscribe-invoices,
// decode-invoice, send-payment-sync, lookup-payment-by-hash.
type Node interface {
	AddHoldInvoice(ctx context.Context, req HoldInvoiceRequest) (*HoldInvoice, error)
	SettleInvoice(ctx context.Context, preimage [32]byte) error
	SubscribeInvoices(ctx context.Context) (<-chan SettleNotification, error)
	DecodeInvoice(ctx context.Context, invoice string) (amountMsat uint64, paymentHash [32]byte, err error)
	SendPaymentSync(ctx context.Context, invoice string, timeout time.Duration) (*PaymentResult, error)
	LookupPaymentByHash(ctx context.Context, paymentHash [32]byte) (*PaymentResult, bool, error)
}

// Config configures an RPC connection to a Lightning node (spec §6's
// `--lnd-host`, `--lnd-port`, `--cert-file`, `--macaroon-file` flags).
type Config struct {
	Host          string
	Port          int
	CertFile      string
	MacaroonFile  string
	AllowInsecure bool
	Timeout       time.Duration
}

// RPCNode is an HTTP/JSON RPC client implementing Node against a TLS +
// macaroon authenticated endpoint.
type RPCNode struct {
	baseURL  string
	macaroon string
	http     *http.Client
}

// NewRPCNode dials the configured Lightning node endpoint. The macaroon is
// read once at construction and sent as a header on every call.
func NewRPCNode(cfg Config) (*RPCNode, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, fmt.Errorf("lightning: host is required")
	}
	tlsConfig := &tls.Config{}
	if cfg.AllowInsecure {
		tlsConfig.InsecureSkipVerify = true
	} else {
		pool := x509.NewCertPool()
		if strings.TrimSpace(cfg.CertFile) != "" {
			pem, err := os.ReadFile(cfg.CertFile)
			if err != nil {
				return nil, fmt.Errorf("lightning: read cert file: %w", err)
			}
			if ok := pool.AppendCertsFromPEM(pem); !ok {
				return nil, fmt.Errorf("lightning: invalid cert pem")
			}
		}
		tlsConfig.RootCAs = pool
	}

	var macaroonHex string
	if strings.TrimSpace(cfg.MacaroonFile) != "" {
		raw, err := os.ReadFile(cfg.MacaroonFile)
		if err != nil {
			return nil, fmt.Errorf("lightning: read macaroon file: %w", err)
		}
		macaroonHex = strings.TrimSpace(string(raw))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &RPCNode{
		baseURL:  fmt.Sprintf("https://%s:%d", host, cfg.Port),
		macaroon: macaroonHex,
		http: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}, nil
}

func (c *RPCNode) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("lightning: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("lightning: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.macaroon != "" {
		req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("lightning: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("lightning: %s %s failed: status=%d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("lightning: decode response: %w", err)
	}
	return nil
}

func (c *RPCNode) AddHoldInvoice(ctx context.Context, req HoldInvoiceRequest) (*HoldInvoice, error) {
	var resp struct {
		PaymentHash string `json:"payment_hash"`
		Invoice     string `json:"payment_request"`
	}
	payload := map[string]interface{}{
		"value_msat": req.AmountMsat,
		"memo":       req.Description,
		"expiry":     req.ExpirySecs,
	}
	if err := c.call(ctx, http.MethodPost, "/v2/invoices/hodl", payload, &resp); err != nil {
		return nil, err
	}
	hash, err := decodeHash(resp.PaymentHash)
	if err != nil {
		return nil, err
	}
	return &HoldInvoice{PaymentHash: hash, Invoice: resp.Invoice}, nil
}

func (c *RPCNode) SettleInvoice(ctx context.Context, preimage [32]byte) error {
	payload := map[string]interface{}{"preimage": hex.EncodeToString(preimage[:])}
	return c.call(ctx, http.MethodPost, "/v2/invoices/settle", payload, nil)
}

// SubscribeInvoices is intentionally left for the cmd-level wiring to
// implement against the node's streaming transport (a long-lived
// server-sent-events or gRPC stream); the interface is exercised in tests
// via a fake implementation. A production RPCNode would dial the node's
// streaming endpoint here and translate frames into SettleNotification.
func (c *RPCNode) SubscribeInvoices(ctx context.Context) (<-chan SettleNotification, error) {
	return nil, fmt.Errorf("lightning: streaming subscription not configured for this transport")
}

func (c *RPCNode) DecodeInvoice(ctx context.Context, invoice string) (uint64, [32]byte, error) {
	var resp struct {
		NumMsat     uint64 `json:"num_msat"`
		PaymentHash string `json:"payment_hash"`
	}
	path := fmt.Sprintf("/v1/payreq/%s", invoice)
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, [32]byte{}, err
	}
	hash, err := decodeHash(resp.PaymentHash)
	if err != nil {
		return 0, [32]byte{}, err
	}
	return resp.NumMsat, hash, nil
}

func (c *RPCNode) SendPaymentSync(ctx context.Context, invoice string, timeout time.Duration) (*PaymentResult, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var resp struct {
		PaymentPreimage string `json:"payment_preimage"`
		PaymentError    string `json:"payment_error"`
	}
	payload := map[string]interface{}{"payment_request": invoice}
	if err := c.call(callCtx, http.MethodPost, "/v1/channels/transactions", payload, &resp); err != nil {
		return nil, err
	}
	if resp.PaymentError != "" {
		return &PaymentResult{Settled: false, Reason: resp.PaymentError}, nil
	}
	preimage, err := decodeHash(resp.PaymentPreimage)
	if err != nil {
		return nil, err
	}
	return &PaymentResult{Preimage: preimage, Settled: true}, nil
}

func (c *RPCNode) LookupPaymentByHash(ctx context.Context, paymentHash [32]byte) (*PaymentResult, bool, error) {
	var resp struct {
		Status   string `json:"status"`
		Preimage string `json:"payment_preimage"`
	}
	path := fmt.Sprintf("/v1/payments/%s", hex.EncodeToString(paymentHash[:]))
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, false, err
	}
	if resp.Status == "" {
		return nil, false, nil
	}
	if resp.Status != "SUCCEEDED" {
		return &PaymentResult{Settled: false, Reason: resp.Status}, true, nil
	}
	preimage, err := decodeHash(resp.Preimage)
	if err != nil {
		return nil, false, err
	}
	return &PaymentResult{Preimage: preimage, Settled: true}, true, nil
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return out, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("lightning: malformed hash %q: %w", s, err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("lightning: expected 32-byte hash, got %d bytes", len(b))
	}
	copy(out[:], b)
	return out, nil
}
