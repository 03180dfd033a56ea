package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/generate"
	"github.com/basket/storyforge/internal/shared"
)

// envelope is the body of every API response.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
	Message string     `json:"message,omitempty"`
}

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func writeStatus(w http.ResponseWriter, status int, env envelope) {
	env.Success = status < 400
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeStatus(w, status, envelope{Data: data})
}

// writeGenerated adds the fallback notice of a generated result as the
// envelope message.
func writeGenerated(w http.ResponseWriter, status int, meta generate.Meta, data any) {
	writeStatus(w, status, envelope{Data: data, Message: meta.Notice})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		logger(r).ErrorContext(r.Context(), "request failed", "request_id", shared.RequestID(r.Context()), "error", err)
	}
	writeStatus(w, apperr.HTTPStatus(code), envelope{Error: &errorBody{Code: code, Message: apperr.MessageOf(err)}})
}

// decodeBody reads a JSON body into out, writing the error response itself
// when it cannot.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	err := json.NewDecoder(r.Body).Decode(out)
	if err == nil {
		return true
	}
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		writeStatus(w, http.StatusRequestEntityTooLarge, envelope{Error: &errorBody{Code: apperr.CodeInvalid, Message: "request body too large"}})
	case errors.Is(err, io.EOF):
		writeError(w, r, apperr.Invalid("request body is required"))
	default:
		writeError(w, r, apperr.Invalid("malformed JSON body: %v", err))
	}
	return false
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Invalid("%s must be an integer", key)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
