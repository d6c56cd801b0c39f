package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	errs "github.com/toolboxai/dispatch/internal/errors"
)

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()

	return json.
		NewDecoder(r.Body).
		Decode(v)
}

func encode(w http.ResponseWriter, v interface{}) error {
	return encodeStatus(w, http.StatusOK, v)
}

func encodeStatus(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.
		NewEncoder(w).
		Encode(v)
}

// writeError maps internal errors onto HTTP statuses. Unknown errors
// come from the queue or the store, both of which are worth retrying,
// so they surface as 503 rather than 500.
func writeError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors

	switch {
	case errors.Is(err, errs.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errs.ErrInvalid), errors.As(err, &verrs):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}
