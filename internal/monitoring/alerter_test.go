package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loomboard/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{
		DLQDepthThreshold:       10,
		ExpiredBacklogThreshold: 50,
	})

	alerts := a.Evaluate(&BoardSnapshot{DLQDepth: 3, ExpiredBacklog: 12})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_DLQDepth(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{DLQDepthThreshold: 10})

	alerts := a.Evaluate(&BoardSnapshot{DLQDepth: 10})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDLQDepth, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "10 events")
}

func TestAlerter_Evaluate_ExpiredBacklog(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{ExpiredBacklogThreshold: 50})

	alerts := a.Evaluate(&BoardSnapshot{ExpiredBacklog: 75, TotalRibbons: 100})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertExpiredBacklog, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
}

func TestAlerter_Evaluate_DisabledThresholds(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{})

	alerts := a.Evaluate(&BoardSnapshot{DLQDepth: 1000, ExpiredBacklog: 1000})
	assert.Empty(t, alerts, "zero thresholds disable the checks")
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitorConfig{WebhookURL: srv.URL, DLQDepthThreshold: 1})
	alerts := a.Evaluate(&BoardSnapshot{DLQDepth: 5})
	require.Len(t, alerts, 1)

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 1, sent)
	assert.Equal(t, int64(1), received.Load())
}

func TestAlerter_SendAlerts_WebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitorConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth}})
	assert.Equal(t, 0, sent)
}
