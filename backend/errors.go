package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	pa "github.com/panyam/pocketauth"
)

// credentialMarkers flag provider messages about rejected credentials
var credentialMarkers = []string{"credential", "invalid", "password", "email"}

// wireError covers the error bodies the backend sends: the OAuth shape of the
// token endpoint, the newer GoTrue shape and the PostgREST shape.
type wireError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Code             any    `json:"code"`
}

func (w wireError) code() string {
	switch {
	case w.ErrorCode != "":
		return w.ErrorCode
	case w.Error != "":
		return w.Error
	}
	if s, ok := w.Code.(string); ok {
		return s
	}
	return ""
}

func (w wireError) message() string {
	for _, m := range []string{w.ErrorDescription, w.Msg, w.Message, w.Error} {
		if m != "" {
			return m
		}
	}
	return ""
}

func hasCredentialMarker(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range credentialMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// classifyResponse maps a non-2xx response to the error taxonomy
func classifyResponse(r request, status int, body []byte) error {
	var we wireError
	_ = json.Unmarshal(body, &we)

	e := &pa.Error{
		Op:      r.op,
		Code:    we.code(),
		Status:  status,
		Message: we.message(),
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	switch {
	case status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		e.Kind = pa.KindNetwork
	case r.profileOp:
		e.Kind = pa.KindProfile
	case status == http.StatusUnprocessableEntity:
		e.Kind = pa.KindValidation
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		if r.credentialOp || hasCredentialMarker(e.Message) {
			e.Kind = pa.KindCredential
		} else {
			e.Kind = pa.KindValidation
		}
	default:
		e.Kind = pa.KindUnknown
	}
	return e
}

// classifyTransport maps a failed round trip to the error taxonomy.
// Cancellation by the caller is passed through unchanged.
func classifyTransport(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &pa.Error{Kind: pa.KindTimeout, Op: op, Code: "timeout", Message: "request timed out", Err: err}
	}
	return &pa.Error{Kind: pa.KindNetwork, Op: op, Code: "network_error", Message: fmt.Sprintf("network error: %v", err), Err: err}
}
