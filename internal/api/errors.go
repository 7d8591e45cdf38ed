package api

import (
	"errors"
	"net/http"

	"github.com/callgrid/callgrid/internal/router"
)

// writeRouterError maps router error kinds onto HTTP status codes.
func writeRouterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, router.ErrUnknownApp):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, router.ErrInvalidCall):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, router.ErrTooManyCalls):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, router.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
