package controller

import (
	"net/http"

	"go.uber.org/zap"
)

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	for name, check := range c.App.HealthChecks {
		if err := check(ctx); err != nil {
			c.App.Logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
			c.writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored"})
			return
		}
	}

	c.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
