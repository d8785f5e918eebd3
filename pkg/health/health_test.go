package health

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.RunCheck("listener", func() error { return nil })
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.RunCheck("tick_loop", func() error { return errors.New("stalled") })
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.RunCheck("listener", func() error { return errors.New("closed") })
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())

	checks := c.AllChecks()
	require.Len(t, checks, 2)
}

func TestHandlerStatusCode(t *testing.T) {
	c := NewChecker()
	c.RunCheck("listener", func() error { return nil })

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)

	c.RunCheck("listener", func() error { return errors.New("closed") })
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, rec.Code)
}
