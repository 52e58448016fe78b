package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/turismo/server/internal/apperr"
)

// envelope is the uniform response shape; data is null on errors
type envelope struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// respond sends a success envelope
func respond(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(envelope{Status: "success", Message: message, Data: data})
}

// respondError maps err to its HTTP status and sends an error envelope.
// Untyped errors are logged and reported as a generic internal error so
// details never leak to clients.
func respondError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("handler error: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: "error", Message: apperr.MessageOf(err), Data: nil})
}

// respondValidation sends a 400 error envelope for request-shape problems
func respondValidation(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(envelope{Status: "error", Message: message, Data: nil})
}
