package controller

import (
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// LoginRequest contains credentials for admin authentication
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleAdminLogin handles admin login
func (c *Controller) HandleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var in LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		c.writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	u, ok := c.Users[in.Username]
	if !ok {
		c.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Hash), []byte(in.Password)); err != nil {
		c.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := c.IssueSession(w, u); err != nil {
		c.App.Logger.Error("Failed to sign session", zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	c.App.Logger.Info("Admin login", zap.String("user", u.Username), zap.String("role", u.Role))
	c.writeJSON(w, http.StatusOK, map[string]string{"ok": "1", "role": u.Role})
}

// HandleAdminLogout handles admin logout
func (c *Controller) HandleAdminLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
	w.WriteHeader(http.StatusNoContent)
}
