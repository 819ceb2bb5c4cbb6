package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the status produced by source as JSON. Unhealthy aggregates
// respond 503 so load balancers can act on them; degraded stays 200.
func Handler(source func() Status) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := source()

		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
