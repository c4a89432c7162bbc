package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"mime"
	"net"
	"net/http"
	"strconv"

	"github.com/frosty308/webapps/services/activation"
)

const maxBodyBytes = 64 << 10

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// errorBody is the shape of every failed response: one message per form field.
type errorBody struct {
	Errors     map[string]string `json:"errors"`
	RetryAfter int               `json:"retry_after,omitempty"`
}

// respondError renders err through activation.DescribeAll. Raw error text never leaves the server.
func respondError(w http.ResponseWriter, err error) {
	msgs := activation.DescribeAll(err)
	if len(msgs) == 0 {
		msgs = []activation.Message{activation.Describe(errors.New("unknown"))}
	}
	body := errorBody{Errors: make(map[string]string, len(msgs))}
	for _, m := range msgs {
		body.Errors[m.Field] = m.Text
	}
	status := msgs[0].Status
	if ra := msgs[0].RetryAfter; ra > 0 {
		body.RetryAfter = int(math.Ceil(ra.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	respondJSON(w, status, body)
}

func respondMessage(w http.ResponseWriter, status int, field, text string) {
	respondJSON(w, status, errorBody{Errors: map[string]string{field: text}})
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
