package netinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, body string, status int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestExternalIPv4(t *testing.T) {
	d := NewDiscoverer(serve(t, "203.0.113.9\n", http.StatusOK))
	addr, err := d.ExternalIPv4(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", addr.String())
}

func TestExternalIPv4SkipsBadServices(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	d := NewDiscoverer(
		serve(t, "<html>nope</html>", http.StatusOK),
		serve(t, "1.2.3.4", http.StatusInternalServerError),
		slow.URL,
		serve(t, "Your IP: 198.51.100.23", http.StatusOK),
	)
	d.timeout = 200 * time.Millisecond

	addr, err := d.ExternalIPv4(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.23", addr.String())
}

func TestExternalIPv4NoneAnswer(t *testing.T) {
	d := NewDiscoverer(serve(t, "", http.StatusBadGateway))
	_, err := d.ExternalIPv4(context.Background())
	assert.ErrorIs(t, err, ErrNoAddress)
}
