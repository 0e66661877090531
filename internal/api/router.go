package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter mounts every route with the shared middleware chain.
func NewRouter(h *Handler, log *zap.SugaredLogger) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestID, Instrument(log), Recoverer(log), SecurityHeaders)

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	r.HandleFunc("/login", h.LoginHandler).Methods("POST")
	r.HandleFunc("/scan", h.ScanHandler).Methods("POST")
	r.HandleFunc("/scan", h.CachedScanHandler).Methods("GET")
	r.HandleFunc("/unfollow", h.UnfollowHandler).Methods("POST")
	r.HandleFunc("/me", h.MeHandler).Methods("GET")
	r.HandleFunc("/payment/submit", h.SubmitPaymentHandler).Methods("POST")
	r.HandleFunc("/payment/status", h.PaymentStatusHandler).Methods("GET")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(h.RequireAdmin)
	admin.HandleFunc("/approve", h.ApprovePaymentHandler).Methods("POST")
	admin.HandleFunc("/reject", h.RejectPaymentHandler).Methods("POST")
	admin.HandleFunc("/grant", h.GrantHandler).Methods("POST")

	return r
}
