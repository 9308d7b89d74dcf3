package handler

import (
	"net/http"
)

// HealthCheckHandler is a simple handler that returns HTTP 200 OK.
// It can be used for liveness checks by the supervisor or other services.
func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
