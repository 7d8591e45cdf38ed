package transport

import (
	"errors"
	"testing"

	"github.com/callgrid/callgrid/internal/router"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"admission denied", router.ErrTooManyCalls, 503},
		{"unknown app", router.ErrUnknownApp, 403},
		{"timeout", router.ErrTimeout, 408},
		{"invalid call", router.ErrInvalidCall, 400},
		{"other", errors.New("boom"), 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, reason := errorStatus(tt.err)
			if status != tt.status {
				t.Errorf("status = %d, want %d", status, tt.status)
			}
			if reason == "" {
				t.Error("reason must not be empty")
			}
		})
	}
}
