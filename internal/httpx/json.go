package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
)

type errorBody struct {
	Error string `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, errorBody{Error: msg})
}

// BearerToken extracts the token from an "Authorization: Bearer ..." header.
func BearerToken(r *http.Request) (string, bool) {
	raw := r.Header.Get("Authorization")
	if len(raw) < len("bearer ") || !strings.EqualFold(raw[:len("bearer ")], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(raw[len("bearer "):])
	return tok, tok != ""
}
