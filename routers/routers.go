package routers

import (
	"bridge-relayer/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes for the operator API
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Reports the delivery status of a message: stage, retry count,
	// drop classification, last attempt time
	r.HandleFunc("/operations/{message_id}", h.GetOperation).Methods("GET")

	// Resets a message's retry count and clears a stored drop
	// classification, then signals the scheduler
	r.HandleFunc("/operations/{message_id}/retry", h.RetryOperation).Methods("POST")
}
