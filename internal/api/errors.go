package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/gurre/docflow/internal/apierrors"
)

// errorResponse is the JSON body written on any non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message})
}

// writeAPIError maps a classified *apierrors.Error (or any error) onto the
// HTTP status codes spec §6/§7 enumerate: 400 invalid input, 404 not
// found, 500 everything else. StoreTransient surfaces to the caller
// per §7 ("transient store errors at worker path are surfaced to the
// caller"), as a 500.
func writeAPIError(w http.ResponseWriter, err error) {
	kind, ok := apierrors.KindOf(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch kind {
	case apierrors.KindInvalidRequest:
		writeError(w, http.StatusBadRequest, err.Error())
	case apierrors.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
