package errors

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sdwanlab/ratewatch/internal/metrics"
	"github.com/sdwanlab/ratewatch/internal/observability"
	"github.com/sdwanlab/ratewatch/internal/server/middleware"
)

// Error codes carried by envelopes
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeNotFound           = "NOT_FOUND"
	CodeUnknownAgent       = "UNKNOWN_AGENT"
	CodeUnknownStream      = "UNKNOWN_STREAM"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeDatabase           = "DATABASE_ERROR"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeTimeout            = "TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeConfigInvalid      = "CONFIG_INVALID"
)

var statusByCode = map[string]int{
	CodeInvalidInput:       http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeUnknownAgent:       http.StatusNotFound,
	CodeUnknownStream:      http.StatusNotFound,
	CodeMethodNotAllowed:   http.StatusMethodNotAllowed,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeTimeout:            http.StatusGatewayTimeout,
	CodeExternalService:    http.StatusBadGateway,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
}

// newEnvelope builds an envelope and attaches fields to its context.
// Server-side codes are marked high severity so they log at error level.
func newEnvelope(code, message string, fields map[string]interface{}) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope(code, message)
	if len(fields) > 0 {
		if updated, err := env.WithContext(fields); err == nil {
			env = updated
		}
	}
	if HTTPStatusFromCode(code) >= http.StatusInternalServerError && code != CodeServiceUnavailable {
		if updated, err := env.WithSeverity(errors.SeverityHigh); err == nil {
			env = updated
		}
	}
	return env
}

func NewInvalidInputError(message string) *errors.ErrorEnvelope {
	return newEnvelope(CodeInvalidInput, message, nil)
}

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return newEnvelope(CodeNotFound, message, nil)
}

// NewUnknownAgentError reports an agent id that no poller serves.
func NewUnknownAgentError(agent string) *errors.ErrorEnvelope {
	return newEnvelope(CodeUnknownAgent, "unknown agent: "+agent,
		map[string]interface{}{"agent": agent})
}

// NewUnknownStreamError reports a stream the agent has not produced.
func NewUnknownStreamError(agent, stream string) *errors.ErrorEnvelope {
	return newEnvelope(CodeUnknownStream, "unknown stream "+stream+" for agent "+agent,
		map[string]interface{}{"agent": agent, "stream": stream})
}

func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return newEnvelope(CodeMethodNotAllowed, message, nil)
}

func NewInternalError(message string) *errors.ErrorEnvelope {
	return newEnvelope(CodeInternal, message, nil)
}

func NewServiceUnavailableError(message string) *errors.ErrorEnvelope {
	return newEnvelope(CodeServiceUnavailable, message, nil)
}

func NewConfigInvalidError(message string) *errors.ErrorEnvelope {
	return newEnvelope(CodeConfigInvalid, message, nil)
}

func WrapInvalidInput(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeInvalidInput, err, message)
}

func WrapInternal(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeInternal, err, message)
}

func WrapDatabaseError(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeDatabase, err, message)
}

// WrapExternalService covers failures talking to a traffic agent.
func WrapExternalService(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeExternalService, err, message)
}

func WrapTimeout(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeTimeout, err, message)
}

func WrapConfigInvalid(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeConfigInvalid, err, message)
}

func wrap(ctx context.Context, code string, err error, message string) *errors.ErrorEnvelope {
	var fields map[string]interface{}
	if err != nil {
		fields = map[string]interface{}{"wrapped_error": err.Error()}
	}
	id := correlationID(ctx)
	// No tracing backend; the trace ID mirrors the correlation ID.
	return newEnvelope(code, message, fields).WithCorrelationID(id).WithTraceID(id)
}

// correlationID returns the request ID from ctx or a fresh UUID.
func correlationID(ctx context.Context) string {
	if ctx != nil {
		if id := middleware.GetRequestID(ctx); id != "" {
			return id
		}
	}
	return uuid.New().String()
}

// EnsureEnvelope normalizes any error into an envelope.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	if err == nil {
		env, _ := errors.NewErrorEnvelope(CodeInternal, "unexpected nil error").WithSeverity(errors.SeverityCritical)
		return env
	}
	if env, ok := err.(*errors.ErrorEnvelope); ok && env != nil {
		return env
	}
	return newEnvelope(CodeInternal, "unexpected error", map[string]interface{}{"wrapped_error": err.Error()})
}

// EnsureCorrelationID fills in a missing correlation ID from the request.
func EnsureCorrelationID(envelope *errors.ErrorEnvelope, ctx context.Context) *errors.ErrorEnvelope {
	if envelope == nil || envelope.CorrelationID != "" {
		return envelope
	}
	var id string
	if ctx != nil {
		id = middleware.GetRequestID(ctx)
	}
	if id == "" {
		id = "fallback-" + errors.GenerateCorrelationID()
	}
	return envelope.WithCorrelationID(id)
}

func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatusFromCode(envelope.Code)
}

// HTTPStatusFromCode maps an envelope code to a status; unknown codes are 500.
func HTTPStatusFromCode(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ResponseDetails merges envelope details and context for the response body.
// Details win on key collisions.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]interface{} {
	if envelope == nil {
		return nil
	}
	details := make(map[string]interface{}, len(envelope.Details)+len(envelope.Context))
	for key, value := range envelope.Context {
		details[key] = value
	}
	for key, value := range envelope.Details {
		details[key] = value
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON body of every API error.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// RespondWithError normalizes err and writes it as JSON.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	RespondWithEnvelope(w, r, EnsureEnvelope(err))
}

// RespondWithEnvelope writes the envelope, logs it and records error metrics.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}
	var ctx context.Context
	if r != nil {
		ctx = r.Context()
	}
	envelope = EnsureCorrelationID(envelope, ctx)
	status := HTTPStatusFromEnvelope(envelope)

	logHTTPError(envelope, status)
	metrics.RecordError(envelope.Code, status)
	if r != nil {
		metrics.RecordErrorByEndpoint(endpointLabel(r), envelope.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: HTTPErrorDetail{
		Code:      envelope.Code,
		Message:   envelope.Message,
		Details:   ResponseDetails(envelope),
		RequestID: envelope.CorrelationID,
	}})
}

func logHTTPError(envelope *errors.ErrorEnvelope, status int) {
	log := observability.ServerLogger
	if log == nil || envelope == nil {
		return
	}

	fields := make([]zap.Field, 0, len(envelope.Context)+4)
	fields = append(fields, zap.String("error_code", envelope.Code), zap.Int("http_status", status))
	if envelope.CorrelationID != "" {
		fields = append(fields, zap.String("request_id", envelope.CorrelationID))
	}
	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}
	for key, value := range envelope.Context {
		fields = append(fields, zap.Any(key, value))
	}

	switch envelope.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		log.Error(envelope.Message, fields...)
	case errors.SeverityMedium:
		log.Warn(envelope.Message, fields...)
	default:
		log.Info(envelope.Message, fields...)
	}
}

// endpointLabel prefers the chi route pattern so agent and stream names do
// not explode metric cardinality.
func endpointLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
