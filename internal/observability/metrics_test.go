package observability

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewMetricsConcurrency verifies that NewMetrics can be called
// concurrently, each call getting its own registry
func TestNewMetricsConcurrency(t *testing.T) {
	const numGoroutines = 50

	var wg sync.WaitGroup
	for range numGoroutines {
		wg.Go(func() {
			m, err := NewMetrics()
			if !assert.NoError(t, err) {
				return
			}
			assert.NotNil(t, m.Registry())
			assert.NotNil(t, m.VoiceEngine)
		})
	}
	wg.Wait()
}

func TestHandlerServesVoiceEngineMetrics(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	m.VoiceEngine.HubCreated()
	m.VoiceEngine.UpdateChannelCounts(7, 3, 2, 1)

	e := NewEndpoint("127.0.0.1:0", "/metrics", m)
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "voiceengine_hub_instances 1")
	assert.Contains(t, body, `voiceengine_channels_sending{instance_id="7"} 2`)
	assert.Contains(t, body, "go_goroutines")
}

func TestEndpointServeAndShutdown(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- NewEndpoint("", "/metrics", m).Serve(ctx, listener) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + listener.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	assert.Contains(t, string(body), "voiceengine_hub_instances")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout + time.Second):
		t.Fatal("endpoint did not shut down")
	}
}
