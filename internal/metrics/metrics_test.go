package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeHost(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://api.example.com/v1", "api.example.com"},
		{"standard https", "https://API.Example.com/v1", "api.example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, SanitizeHost(tc.input))
		})
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2xx", StatusClass(200))
	assert.Equal(t, "4xx", StatusClass(429))
	assert.Equal(t, "5xx", StatusClass(503))
	assert.Equal(t, "error", StatusClass(0))
}

func TestObserveAPIRequest(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(apiRequestsTotal.WithLabelValues("metrics-test.local", "2xx"))
	ObserveAPIRequest("metrics-test.local", 200, 512, 30*time.Millisecond)
	ObserveAPIRequest("metrics-test.local", 0, 0, time.Millisecond)

	require.Equal(t, before+1, testutil.ToFloat64(apiRequestsTotal.WithLabelValues("metrics-test.local", "2xx")))
	require.Equal(t, float64(1), testutil.ToFloat64(apiRequestsTotal.WithLabelValues("metrics-test.local", "error")))
	require.Equal(t, float64(512), testutil.ToFloat64(apiBytesTotal.WithLabelValues("metrics-test.local")))
}

func FuzzSanitizeHost(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
