package admin

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tvlscope/tvlscope/app/admin/controller"
	"github.com/tvlscope/tvlscope/app/admin/types"
	"github.com/tvlscope/tvlscope/pkg/utils"
)

// NewServer creates the admin HTTP server and stores it on app.Server.
func NewServer(app *types.App) error {
	ctler, err := controller.NewController(app)
	if err != nil {
		return err
	}
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3000")

	app.Server = &http.Server{
		Addr:              addr,
		Handler:           controller.WithCORS(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.Logger.Info("Starting server", zap.String("addr", addr))

	return nil
}
