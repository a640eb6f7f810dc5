package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"survcam/camera"
)

// modeRoute requests one mode transition. GET is accepted alongside POST so the
// routes work from a plain link.
type modeRoute struct {
	s       *APIServer
	path    string
	target  camera.Mode
	message string
}

func (r modeRoute) Methods() []string {
	return []string{http.MethodGet, http.MethodPost}
}

func (r modeRoute) Path() string {
	return r.path
}

func (r modeRoute) Handle(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), ModeRequestTimeout)
	defer cancel()

	err := r.s.controller.RequestMode(ctx, r.target)
	if err == nil {
		c.String(http.StatusOK, r.message)
		return
	}

	if r.target == camera.Idle {
		// Stop always lands in idle; a failing close or reconfigure is only reported.
		if status := statusFor(err); status != http.StatusServiceUnavailable {
			r.s.logger.Printf("[WARN] %s: %v", r.path, err)
			c.String(http.StatusOK, r.message)
			return
		}
	}

	status := statusFor(err)
	switch {
	case errors.Is(err, camera.ErrBusy):
		c.String(status, "Device is busy.")
	default:
		r.s.logger.Printf("[ERROR] %s: %v", r.path, err)
		c.String(status, err.Error())
	}
}
