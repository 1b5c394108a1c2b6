package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwanlab/ratewatch/internal/server/middleware"
)

func TestHTTPStatusFromCode(t *testing.T) {
	cases := map[string]int{
		CodeInvalidInput:       http.StatusBadRequest,
		CodeNotFound:           http.StatusNotFound,
		CodeRateLimited:        http.StatusTooManyRequests,
		CodeExternalService:    http.StatusBadGateway,
		CodeTimeout:            http.StatusGatewayTimeout,
		CodeServiceUnavailable: http.StatusServiceUnavailable,
		CodeDatabase:           http.StatusInternalServerError,
		"SOMETHING_ELSE":       http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, HTTPStatusFromCode(code), code)
	}
}

func TestWrapCarriesCause(t *testing.T) {
	env := WrapExternalService(context.Background(), stderrors.New("dial tcp: refused"), "agent unreachable")

	assert.Equal(t, CodeExternalService, env.Code)
	assert.NotEmpty(t, env.CorrelationID)
	assert.Equal(t, "dial tcp: refused", env.Context["wrapped_error"])
}

func TestEnsureEnvelope(t *testing.T) {
	plain := EnsureEnvelope(stderrors.New("boom"))
	assert.Equal(t, CodeInternal, plain.Code)
	assert.Equal(t, gferrors.SeverityHigh, plain.Severity)

	env := NewNotFoundError("agent not found")
	assert.Same(t, env, EnsureEnvelope(env))

	assert.Equal(t, gferrors.SeverityCritical, EnsureEnvelope(nil).Severity)
}

func TestRespondWithError(t *testing.T) {
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RespondWithError(w, r, NewNotFoundError("agent not found"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agents/missing/streams", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "agent not found", body.Error.Message)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), body.Error.RequestID)
}

func TestUnknownAgentAndStream(t *testing.T) {
	env := NewUnknownAgentError("branch-7")
	assert.Equal(t, CodeUnknownAgent, env.Code)
	assert.Equal(t, http.StatusNotFound, HTTPStatusFromEnvelope(env))
	assert.Equal(t, "branch-7", ResponseDetails(env)["agent"])

	env = NewUnknownStreamError("branch-7", "app:zoom")
	assert.Equal(t, CodeUnknownStream, env.Code)
	details := ResponseDetails(env)
	assert.Equal(t, "branch-7", details["agent"])
	assert.Equal(t, "app:zoom", details["stream"])
}
