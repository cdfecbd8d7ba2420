package server

import (
	"encoding/json"
	"net/http"
)

const invalidKeyMessage = "Invalid API key"

// envelope is the {"success": false, ...} body used for whole-request
// failures.
type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, envelope{Error: message, Details: details})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
