package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth_ReadinessAndDegradation(t *testing.T) {
	f := setupAPI(t)

	rec := f.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.StatusCode)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body, &resp))
	assert.Equal(t, healthStatusHealthy, resp.Status)
	require.NotNil(t, resp.Database)
	assert.Equal(t, healthStatusHealthy, resp.Database.Status)
	assert.Equal(t, healthStatusHealthy, resp.Store)
	assert.Zero(t, resp.ActiveConnections)

	// A live socket shows up in the connection gauge.
	user := f.createAccount(t, "health-pass")
	token := f.login(t, user.Username, "health-pass")
	conn := f.dialSocket(t, "/ws/chat", token)
	awaitWelcome(t, conn)

	rec = f.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.StatusCode)
	require.NoError(t, json.Unmarshal(rec.Body, &resp))
	assert.Equal(t, 1, resp.ActiveConnections)

	// A store outage degrades readiness but keeps the instance serving.
	f.mr.SetError("forced outage")
	defer f.mr.SetError("")
	rec = f.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.StatusCode)
	require.NoError(t, json.Unmarshal(rec.Body, &resp))
	assert.Equal(t, healthStatusDegraded, resp.Status)
	assert.Equal(t, healthStatusUnhealthy, resp.Store)
	assert.Equal(t, healthStatusHealthy, resp.Database.Status)
}
