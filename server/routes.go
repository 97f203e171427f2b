package main

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	mw "wuyrush.io/listings/common/middleware"
)

const (
	pathAdmin      = "/admin"
	pathAdminLogin = "/admin/login"
)

// set up routes
func (s *listingsServer) SetupMux() {
	r := httprouter.New()
	handle := func(method, route string, h httprouter.Handle, extra ...mw.Middleware) {
		ms := append([]mw.Middleware{}, extra...)
		ms = append(ms, mw.HSTSer(), mw.PanicRecoverer(), mw.Instrumenter(s.Metrics, route), mw.RequestLogger())
		r.Handle(method, route, mw.Chain(h, ms...))
	}
	// guessing passwords and the admin key share one budget per client
	limited := mw.RateLimiter(s.cfg.RateLimitBurst, s.cfg.RateLimitRPS, s.cfg.RateLimitClients, s.cfg.clientKey())
	admin := s.Gate.RequireAdmin(pathAdminLogin)

	// public
	handle(http.MethodGet, "/", s.HandleTaskGetFeed())
	handle(http.MethodGet, "/thanks/:id", s.HandleTaskGetThanks())
	handle(http.MethodPost, "/unlock/:id", s.HandleTaskUnlock(), limited)
	handle(http.MethodGet, "/uploads/:id/:filename", s.HandleTaskGetPhoto())
	handle(http.MethodPost, "/submit", s.HandleTaskSubmit())
	handle(http.MethodGet, "/health", s.HandleTaskHealth())
	// admin auth
	handle(http.MethodGet, pathAdminLogin, s.HandleAuthGetLogin())
	handle(http.MethodPost, pathAdminLogin, s.HandleAuthLogin(), limited)
	handle(http.MethodGet, "/admin/logout", s.HandleAuthLogout())
	// admin panel
	handle(http.MethodGet, pathAdmin, s.HandleTaskAdminIndex(), admin)
	handle(http.MethodGet, "/admin/new", s.HandleTaskAdminNew(), admin)
	handle(http.MethodPost, "/admin/create", s.HandleTaskAdminCreate(), admin)
	handle(http.MethodGet, "/admin/edit/:id", s.HandleTaskAdminEdit(), admin)
	handle(http.MethodPost, "/admin/save/:id", s.HandleTaskAdminSave(), admin)
	handle(http.MethodPost, "/admin/delete/:id", s.HandleTaskAdminDelete(), admin)
	handle(http.MethodPost, "/admin/photo_delete/:id/:filename", s.HandleTaskAdminDeletePhoto(), admin)
	handle(http.MethodPost, "/admin/upload/:id", s.HandleTaskAdminUpload(), admin)
	handle(http.MethodGet, "/admin/csv", s.HandleTaskAdminExport(), admin)
	// operations
	r.Handler(http.MethodGet, "/metrics", s.Metrics.Handler())
	// static assets
	r.Handler(
		http.MethodGet,
		"/static/*filepath",
		http.StripPrefix("/static/", http.FileServer(http.Dir(s.cfg.StaticDir))),
	)

	s.Router = r
}
