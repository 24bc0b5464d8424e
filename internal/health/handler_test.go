package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	return f.err
}

func TestLiveness_AlwaysSucceeds(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/live", nil)

	handler.Liveness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_NilBrokerAndDB(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "ready")
	assert.Contains(t, body, "broker")
	assert.NotContains(t, body, "tenant_db")
}

func TestReadiness_HealthyDB(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, &fakePinger{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "ready")
	assert.Contains(t, body, "tenant_db")
}

func TestReadiness_UnhealthyDB(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, &fakePinger{err: errors.New("connection refused")})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "unavailable")
	assert.Contains(t, body, "unhealthy")
}
