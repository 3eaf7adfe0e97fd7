package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lockerhq/lockerd/internal/app"
	"github.com/lockerhq/lockerd/internal/database/testutil"
	"github.com/lockerhq/lockerd/internal/realtime"
	"github.com/lockerhq/lockerd/internal/services"
)

func newRouterFixture(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithLockerPool(2))

	state, err := services.NewLockerStateService(db)
	require.NoError(t, err)
	creds, err := services.NewCredentialService(db, 6, 15*time.Minute)
	require.NoError(t, err)
	history, err := services.NewHistoryService(db)
	require.NoError(t, err)

	hub := realtime.NewHub()
	coordinator, err := services.NewCoordinationService(db, state, creds, history, hub, nil, 15*time.Minute)
	require.NoError(t, err)
	hub.SetRetrievedHandler(coordinator.HandleObjectRetrieved)

	cfg := &app.Config{}
	cfg.Monitoring.Prometheus.Enabled = true
	cfg.Monitoring.Prometheus.Endpoint = "/metrics"

	router, err := NewRouter(db, coordinator, hub, cfg)
	require.NoError(t, err)
	return router, db
}

func TestNewRouterValidatesDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)

	_, err := NewRouter(nil, nil, nil, nil)
	require.Error(t, err)
}

func TestRouterHealthAndMetrics(t *testing.T) {
	router, _ := newRouterFixture(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "lockerd_")
}

func TestRouterClaimAndChannelFlow(t *testing.T) {
	router, _ := newRouterFixture(t)

	srv := httptest.NewServer(router)
	defer srv.Close()

	// Claim a locker over the plain API.
	resp, err := http.Post(srv.URL+"/api/lockers/claim", "application/json",
		strings.NewReader(`{"email":"flow@example.com"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var envelope struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NotEmpty(t, envelope.Data.ID)

	// Join the claimed locker's channel over WebSocket.
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/lockers/" + envelope.Data.ID + "/channel"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg realtime.Message
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &msg))
	require.Equal(t, realtime.EventConnected, msg.Event)
	require.Equal(t, envelope.Data.ID, msg.LockerID)
}
