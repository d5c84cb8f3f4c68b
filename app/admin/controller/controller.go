package controller

import (
	"fmt"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/tvlscope/tvlscope/app/admin/types"
	"github.com/tvlscope/tvlscope/pkg/utils"
	"go.uber.org/zap"
)

type Controller struct {
	App        *types.App
	AdminToken string
	Users      map[string]types.User
	JWTSecret  []byte
}

// NewController reads the admin credentials from the environment.
//
// ADMIN_USER and ADMIN_PASSWORD define the bootstrap admin. ADMIN_USERS adds
// more accounts as a JSON object of username to {"hash","role"}.
func NewController(app *types.App) (*Controller, error) {
	adminToken := utils.Env("ADMIN_TOKEN", "devtoken")
	adminUser := utils.Env("ADMIN_USER", "admin")
	adminUsersJSON := utils.Env("ADMIN_USERS", "")
	adminPass := utils.Env("ADMIN_PASSWORD", "admin")
	jwtSecret := []byte(utils.Env("SESSION_SECRET", "change-me-please"))

	phash, err := utils.HashOrRead(adminPass)
	if err != nil {
		return nil, fmt.Errorf("hash admin password: %w", err)
	}

	users := map[string]types.User{}
	if adminUsersJSON != "" {
		if err := json.Unmarshal([]byte(adminUsersJSON), &users); err != nil {
			return nil, fmt.Errorf("invalid ADMIN_USERS: %w", err)
		}
		for name, u := range users {
			u.Username = name
			if u.Role == "" {
				u.Role = types.RoleViewer
			}
			users[name] = u
		}
	}
	users[adminUser] = types.User{Username: adminUser, Hash: string(phash), Role: types.RoleAdmin}

	return &Controller{
		App:        app,
		AdminToken: adminToken,
		Users:      users,
		JWTSecret:  jwtSecret,
	}, nil
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/api/health", http.HandlerFunc(c.HandleHealth)).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/login", c.HandleAdminLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", c.HandleAdminLogout).Methods(http.MethodPost)

	// Protocol registry
	r.Handle("/api/protocols", c.RequireAuth(http.HandlerFunc(c.HandleProtocolsList))).Methods(http.MethodGet)
	r.Handle("/api/protocols", c.RequireAdmin(http.HandlerFunc(c.HandleProtocolUpsert))).Methods(http.MethodPost)
	r.Handle("/api/protocols/{id}", c.RequireAuth(http.HandlerFunc(c.HandleProtocolDetail))).Methods(http.MethodGet)
	r.Handle("/api/protocols/{id}/metadata", c.RequireAuth(http.HandlerFunc(c.HandleMetadataGet))).Methods(http.MethodGet)
	r.Handle("/api/protocols/{id}/metadata", c.RequireAdmin(http.HandlerFunc(c.HandleMetadataPut))).Methods(http.MethodPut)

	// Snapshot ingestion
	r.Handle("/api/snapshots", c.RequireAdmin(http.HandlerFunc(c.HandleSnapshotIngest))).Methods(http.MethodPost)

	return r, nil
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Echo the origin so session cookies work from the dashboard
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodPut+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		c.App.Logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (c *Controller) writeError(w http.ResponseWriter, status int, msg string) {
	c.writeJSON(w, status, map[string]string{"error": msg})
}
