package router

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tenement-host/tenement/internal/hypervisor"
)

// Sentinel errors owned by the router itself (spec §7): the hypervisor
// speaks only to instance lifecycle, these cover the proxy and auth
// layers wrapped around it.
var (
	ErrUnauthorized             = errors.New("router: unauthorized")
	ErrProxyUpstreamUnavailable = errors.New("router: upstream unavailable")
	ErrProxyUpstreamError       = errors.New("router: upstream error")
	ErrNoEligibleInstance       = errors.New("router: no eligible instance for weighted routing")
)

// Error codes returned in control API error bodies.
const (
	ErrCodeUnknownService = "UNKNOWN_SERVICE"
	ErrCodeAlreadyRunning = "ALREADY_RUNNING"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeSpawnFailed    = "SPAWN_FAILED"
	ErrCodeStartupTimeout = "STARTUP_TIMEOUT"
	ErrCodeHealthTimeout  = "HEALTH_TIMEOUT"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// apiError is the JSON error body shape for the control API.
type apiError struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// writeAPIError maps a hypervisor/router error kind to an HTTP status and
// writes the corresponding JSON body, per spec §7's error-kind table.
func writeAPIError(w http.ResponseWriter, err error) {
	code, status := classifyError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Code: code, Message: err.Error()})
}

func classifyError(err error) (code string, status int) {
	switch {
	case errors.Is(err, hypervisor.ErrUnknownService):
		return ErrCodeUnknownService, http.StatusNotFound
	case errors.Is(err, hypervisor.ErrNotFound):
		return ErrCodeNotFound, http.StatusNotFound
	case errors.Is(err, hypervisor.ErrAlreadyRunning):
		return ErrCodeAlreadyRunning, http.StatusConflict
	case errors.Is(err, hypervisor.ErrConflict):
		return ErrCodeConflict, http.StatusConflict
	case errors.Is(err, hypervisor.ErrBadRequest):
		return ErrCodeBadRequest, http.StatusUnprocessableEntity
	case errors.Is(err, hypervisor.ErrStartupTimeout):
		return ErrCodeStartupTimeout, http.StatusServiceUnavailable
	case errors.Is(err, hypervisor.ErrHealthTimeout):
		return ErrCodeHealthTimeout, http.StatusServiceUnavailable
	case errors.Is(err, hypervisor.ErrSpawnFailed):
		return ErrCodeSpawnFailed, http.StatusInternalServerError
	case errors.Is(err, ErrUnauthorized):
		return ErrCodeUnauthorized, http.StatusUnauthorized
	case errors.Is(err, ErrProxyUpstreamUnavailable):
		return "PROXY_UPSTREAM_UNAVAILABLE", http.StatusServiceUnavailable
	case errors.Is(err, ErrProxyUpstreamError):
		return "PROXY_UPSTREAM_ERROR", http.StatusBadGateway
	case errors.Is(err, ErrNoEligibleInstance):
		return "NO_ELIGIBLE_INSTANCE", http.StatusServiceUnavailable
	default:
		return ErrCodeInternal, http.StatusInternalServerError
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(apiError{Code: ErrCodeUnauthorized, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
