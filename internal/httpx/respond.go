package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error": msg}. With debug set the wrapped cause
// goes out as "details".
func writeError(w http.ResponseWriter, r *http.Request, err error, debug bool) {
	status := apperr.HTTPStatus(err)
	body := map[string]any{"error": apperr.PublicMessage(err)}

	var aerr *apperr.Error
	if errors.As(err, &aerr) {
		if aerr.Field != "" {
			body["field"] = aerr.Field
		}
		if aerr.Retryable {
			body["retryable"] = true
		}
	}
	if debug {
		body["details"] = err.Error()
	}

	ev := log.Debug()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Int("status", status).Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")

	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Wrap(apperr.KindValidation, err, "Request body is required")
		}
		return apperr.Wrap(apperr.KindValidation, err, "Invalid JSON body")
	}
	return nil
}
