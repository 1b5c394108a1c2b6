package metrics

import (
	"strconv"

	"github.com/sdwanlab/ratewatch/internal/observability"
)

// API error metrics
const (
	ErrorsTotal      = "errors_total"
	ErrorsByEndpoint = "errors_by_endpoint"
	PanicsTotal      = "panics_total"
)

func counter(name string, tags map[string]string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(name, 1, tags)
	}
}

// RecordError counts an error envelope written to an API client.
func RecordError(code string, status int) {
	counter(ErrorsTotal, map[string]string{"error_code": code, "http_status": strconv.Itoa(status)})
}

// RecordErrorByEndpoint attributes an error to its chi route pattern.
func RecordErrorByEndpoint(route string, code string) {
	counter(ErrorsByEndpoint, map[string]string{"endpoint": route, "error_code": code})
}

func RecordPanic() {
	counter(PanicsTotal, nil)
}
