package lightning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveInvoiceHappyPath(t *testing.T) {
	var callbackURL string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/.well-known/lnurlp/"):
			_ = json.NewEncoder(w).Encode(lnurlpDescriptor{
				Callback:    callbackURL,
				MinSendable: 1000,
				MaxSendable: 1_000_000_000,
				Tag:         "payRequest",
			})
		case r.URL.Path == "/callback":
			require.Equal(t, "50000", r.URL.Query().Get("amount"))
			_ = json.NewEncoder(w).Encode(lnurlpInvoiceResponse{PR: "lnbc500u1p..."})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	callbackURL = srv.URL + "/callback"

	resolver := NewAddressResolver(true, time.Second)
	addr := "alice@" + strings.TrimPrefix(srv.URL, "https://")
	invoice, err := resolver.ResolveInvoice(context.Background(), addr, 50000)
	require.NoError(t, err)
	require.Equal(t, "lnbc500u1p...", invoice)
}

func TestResolveInvoiceRejectsMalformedAddress(t *testing.T) {
	resolver := NewAddressResolver(true, time.Second)
	_, err := resolver.ResolveInvoice(context.Background(), "not-an-address", 1000)
	require.Error(t, err)
}

func TestResolveInvoiceRejectsAmountBelowMin(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(lnurlpDescriptor{Callback: "https://example.invalid/cb", MinSendable: 100000})
	}))
	defer srv.Close()

	resolver := NewAddressResolver(true, time.Second)
	addr := "bob@" + strings.TrimPrefix(srv.URL, "https://")
	_, err := resolver.ResolveInvoice(context.Background(), addr, 1000)
	require.Error(t, err)
}
