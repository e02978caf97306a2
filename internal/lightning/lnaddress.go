package lightning

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AddressResolver turns a lightning-address (user@host) into a payable
// BOLT-11 invoice by following the well-known lnurlp convention (spec §6):
// GET https://<host>/.well-known/lnurlp/<user>, then GET the returned
// callback with the requested amount.
type AddressResolver struct {
	http *http.Client
}

// NewAddressResolver constructs a resolver. allowInsecure accepts
// self-signed TLS certificates, used only in test environments per spec §6.
func NewAddressResolver(allowInsecure bool, timeout time.Duration) *AddressResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{}
	if allowInsecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &AddressResolver{http: &http.Client{Timeout: timeout, Transport: transport}}
}

type lnurlpDescriptor struct {
	Callback    string `json:"callback"`
	MinSendable uint64 `json:"minSendable"`
	MaxSendable uint64 `json:"maxSendable"`
	Tag         string `json:"tag"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
}

type lnurlpInvoiceResponse struct {
	PR     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// ResolveInvoice fetches an invoice for amountMsat payable to address
// ("user@host"). It returns an error for any malformed address, unreachable
// descriptor, or amount outside the descriptor's sendable range — all of
// which the Payout Dispatcher treats as a step-2 failure (spec §4.6, not
// retried automatically).
func (r *AddressResolver) ResolveInvoice(ctx context.Context, address string, amountMsat uint64) (string, error) {
	user, host, err := splitLightningAddress(address)
	if err != nil {
		return "", err
	}

	descriptorURL := fmt.Sprintf("https://%s/.well-known/lnurlp/%s", host, url.PathEscape(user))
	var descriptor lnurlpDescriptor
	if err := r.getJSON(ctx, descriptorURL, &descriptor); err != nil {
		return "", fmt.Errorf("lnaddress: fetch descriptor for %s: %w", address, err)
	}
	if descriptor.Status == "ERROR" {
		return "", fmt.Errorf("lnaddress: descriptor error for %s: %s", address, descriptor.Reason)
	}
	if descriptor.Callback == "" {
		return "", fmt.Errorf("lnaddress: descriptor for %s has no callback", address)
	}
	if descriptor.MinSendable != 0 && amountMsat < descriptor.MinSendable {
		return "", fmt.Errorf("lnaddress: %d msat below %s minSendable %d", amountMsat, address, descriptor.MinSendable)
	}
	if descriptor.MaxSendable != 0 && amountMsat > descriptor.MaxSendable {
		return "", fmt.Errorf("lnaddress: %d msat above %s maxSendable %d", amountMsat, address, descriptor.MaxSendable)
	}

	callbackURL, err := url.Parse(descriptor.Callback)
	if err != nil {
		return "", fmt.Errorf("lnaddress: invalid callback url: %w", err)
	}
	q := callbackURL.Query()
	q.Set("amount", fmt.Sprintf("%d", amountMsat))
	callbackURL.RawQuery = q.Encode()

	var invoiceResp lnurlpInvoiceResponse
	if err := r.getJSON(ctx, callbackURL.String(), &invoiceResp); err != nil {
		return "", fmt.Errorf("lnaddress: fetch invoice for %s: %w", address, err)
	}
	if invoiceResp.Status == "ERROR" {
		return "", fmt.Errorf("lnaddress: callback error for %s: %s", address, invoiceResp.Reason)
	}
	if invoiceResp.PR == "" {
		return "", fmt.Errorf("lnaddress: callback for %s returned no invoice", address)
	}
	return invoiceResp.PR, nil
}

func (r *AddressResolver) getJSON(ctx context.Context, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func splitLightningAddress(address string) (user, host string, err error) {
	address = strings.TrimSpace(address)
	user, host, ok := strings.Cut(address, "@")
	if !ok || user == "" || host == "" {
		return "", "", fmt.Errorf("lnaddress: %q is not a valid lightning address", address)
	}
	return user, host, nil
}
