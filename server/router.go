package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router builds the HTTP routing table with the middleware chain applied.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealthz)

	r.Get("/authorize", a.handleAuthorize)
	r.Post("/authorize", a.handleAuthorizeDecision)
	r.Post("/token", a.handleToken)
	r.Get("/userinfo", a.handleUserInfo)

	r.Route("/qr", func(r chi.Router) {
		r.Post("/init", a.handleQRInit)
		r.Post("/confirm", a.handleQRConfirm)
		r.Get("/status", a.handleQRStatus)
		r.Post("/login", a.handleQRLogin)
		r.Post("/cleanup", a.handleQRCleanup)
	})

	r.Post("/secure/control", a.handleControl)

	r.Route("/cross-app", func(r chi.Router) {
		r.Post("/auth", a.handleCrossAppAuth)
		r.Post("/verify", a.handleCrossAppVerify)
	})

	return r
}
