package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMultiChecker(t *testing.T) {
	healthy := CheckerFunc(func() error { return nil })
	assert.NoError(t, NewMultiChecker().Check())
	assert.NoError(t, NewMultiChecker(healthy, healthy).Check())

	mc := NewMultiChecker(healthy)
	mc.Add(CheckerFunc(func() error { return errors.New("first") }))
	mc.Add(CheckerFunc(func() error { return errors.New("second") }))
	err := mc.Check()
	assert.ErrorContains(t, err, "first")
	assert.ErrorContains(t, err, "second")
}

func TestHealthCheckHttpHandler(t *testing.T) {
	var failure error
	mux := http.NewServeMux()
	SetupHttpMux(mux, CheckerFunc(func() error { return failure }))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	failure = errors.New("pipeline in error state")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipeline in error state")
}
