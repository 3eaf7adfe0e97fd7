package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lockerhq/lockerd/internal/database/testutil"
	"github.com/lockerhq/lockerd/internal/models"
	"github.com/lockerhq/lockerd/internal/realtime"
	"github.com/lockerhq/lockerd/internal/services"
)

type lockerFixture struct {
	router *gin.Engine
	db     *gorm.DB
}

func newLockerFixture(t *testing.T, poolSize int) *lockerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithLockerPool(poolSize))

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

	handler, err := NewLockerHandler(coordinator)
	require.NoError(t, err)

	r := gin.New()
	api := r.Group("/api/lockers")
	{
		api.POST("/claim", handler.Claim)
		api.POST("/unlock", handler.Unlock)
		api.POST("/:id/movement", handler.Movement)
		api.GET("/:id", handler.Get)
		api.GET("/:id/history", handler.History)
		api.GET("/:id/alerts", handler.Alerts)
	}

	return &lockerFixture{router: r, db: db}
}

func (f *lockerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.True(t, envelope.Success)
	return envelope.Data
}

func (f *lockerFixture) pinFor(t *testing.T, email string) string {
	t.Helper()
	var user models.LockerUser
	require.NoError(t, f.db.First(&user, "email = ?", email).Error)
	require.NotNil(t, user.PIN)
	return *user.PIN
}

func TestClaimEndpointAssignsLocker(t *testing.T) {
	f := newLockerFixture(t, 2)

	w := f.do(t, http.MethodPost, "/api/lockers/claim", gin.H{"email": "user@example.com"})
	require.Equal(t, http.StatusCreated, w.Code)

	data := decodeData(t, w)
	require.Equal(t, string(models.LockerStatusOccupied), data["status"])
	require.NotEmpty(t, data["id"])
}

func TestClaimEndpointValidatesEmail(t *testing.T) {
	f := newLockerFixture(t, 1)

	w := f.do(t, http.MethodPost, "/api/lockers/claim", gin.H{"email": "not-an-email"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/lockers/claim", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClaimEndpointReportsNoCapacity(t *testing.T) {
	f := newLockerFixture(t, 1)

	w := f.do(t, http.MethodPost, "/api/lockers/claim", gin.H{"email": "first@example.com"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/api/lockers/claim", gin.H{"email": "second@example.com"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "NO_CAPACITY")
}

func TestUnlockEndpointRoundTrip(t *testing.T) {
	f := newLockerFixture(t, 1)

	w := f.do(t, http.MethodPost, "/api/lockers/claim", gin.H{"email": "user@example.com"})
	require.Equal(t, http.StatusCreated, w.Code)
	claimed := decodeData(t, w)

	pin := f.pinFor(t, "user@example.com")

	w = f.do(t, http.MethodPost, "/api/lockers/unlock", gin.H{"pin": pin})
	require.Equal(t, http.StatusOK, w.Code)

	released := decodeData(t, w)
	require.Equal(t, claimed["id"], released["id"])
	require.Equal(t, string(models.LockerStatusAvailable), released["status"])
}

func TestUnlockEndpointMasksBadCodes(t *testing.T) {
	f := newLockerFixture(t, 1)

	w := f.do(t, http.MethodPost, "/api/lockers/unlock", gin.H{"pin": "000000"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "Invalid or expired code")

	// Malformed codes fail validation before any lookup.
	w = f.do(t, http.MethodPost, "/api/lockers/unlock", gin.H{"pin": "abc"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMovementEndpointReconcilesState(t *testing.T) {
	f := newLockerFixture(t, 1)

	var locker models.Locker
	require.NoError(t, f.db.First(&locker).Error)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/lockers/%s/movement", locker.ID), gin.H{"has_object": true})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, string(models.LockerStatusOccupied), decodeData(t, w)["status"])

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/lockers/%s/movement", locker.ID), gin.H{"has_object": false})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, string(models.LockerStatusAvailable), decodeData(t, w)["status"])
}

func TestMovementEndpointRequiresFlag(t *testing.T) {
	f := newLockerFixture(t, 1)

	var locker models.Locker
	require.NoError(t, f.db.First(&locker).Error)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/lockers/%s/movement", locker.ID), gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetEndpoint(t *testing.T) {
	f := newLockerFixture(t, 1)

	var locker models.Locker
	require.NoError(t, f.db.First(&locker).Error)

	w := f.do(t, http.MethodGet, "/api/lockers/"+locker.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, locker.ID, decodeData(t, w)["id"])

	w = f.do(t, http.MethodGet, "/api/lockers/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryAndAlertEndpoints(t *testing.T) {
	f := newLockerFixture(t, 1)

	w := f.do(t, http.MethodPost, "/api/lockers/claim", gin.H{"email": "user@example.com"})
	require.Equal(t, http.StatusCreated, w.Code)
	lockerID := decodeData(t, w)["id"].(string)

	w = f.do(t, http.MethodGet, "/api/lockers/"+lockerID+"/history?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), models.HistoryLockerAssigned)

	// No device was listening during the claim, so an alert exists.
	w = f.do(t, http.MethodGet, "/api/lockers/"+lockerID+"/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "device unreachable")

	w = f.do(t, http.MethodGet, "/api/lockers/unknown/history", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
