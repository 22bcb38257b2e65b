package httpserver

import (
	"net/http"
	"time"
)

// New builds the API server. No WriteTimeout: a settle request legitimately
// holds its connection for the full payment-rail timeout.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
