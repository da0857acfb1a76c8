package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeVault(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/relaymux":
			_, _ = w.Write([]byte(`{"data":{"data":{"value":"kv2-key","alt":"other"}}}`))
		case "/v1/kv1/relaymux":
			_, _ = w.Write([]byte(`{"data":{"value":"kv1-key"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
}

func newTestProvider(t *testing.T, addr string) *Provider {
	t.Helper()
	p, err := New(Config{Address: addr, AuthMethod: "token", Token: "test-token"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProvider_ReadsKVv2AndKey(t *testing.T) {
	srv := fakeVault(t)
	defer srv.Close()
	p := newTestProvider(t, srv.URL)

	v, err := p.Get(context.Background(), "secret/data/relaymux")
	require.NoError(t, err)
	assert.Equal(t, "kv2-key", v)

	v, err = p.Get(context.Background(), "secret/data/relaymux#alt")
	require.NoError(t, err)
	assert.Equal(t, "other", v)
}

func TestProvider_ReadsKVv1(t *testing.T) {
	srv := fakeVault(t)
	defer srv.Close()
	p := newTestProvider(t, srv.URL)

	v, err := p.Get(context.Background(), "kv1/relaymux")
	require.NoError(t, err)
	assert.Equal(t, "kv1-key", v)
}

func TestProvider_Missing(t *testing.T) {
	srv := fakeVault(t)
	defer srv.Close()
	p := newTestProvider(t, srv.URL)

	_, err := p.Get(context.Background(), "secret/data/nope")
	require.Error(t, err)
	_, err = p.Get(context.Background(), "secret/data/relaymux#missing")
	require.Error(t, err)
}

func TestNew_RejectsUnknownAuth(t *testing.T) {
	_, err := New(Config{Address: "http://127.0.0.1:1", AuthMethod: "kerberos"}, nil)
	require.Error(t, err)
}

func TestNewWithClient(t *testing.T) {
	srv := fakeVault(t)
	defer srv.Close()

	cfg := vaultapi.DefaultConfig()
	cfg.Address = srv.URL
	client, err := vaultapi.NewClient(cfg)
	require.NoError(t, err)
	client.SetToken("test-token")

	p := NewWithClient(client, nil)
	v, err := p.Get(context.Background(), "kv1/relaymux")
	require.NoError(t, err)
	assert.Equal(t, "kv1-key", v)
	require.NoError(t, p.Close())
}
