package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxBodyBytes caps request bodies; a question plus a long history fits well within.
const maxBodyBytes = 1 << 20

// Client-facing error messages.
const (
	msgInvalidJSON       = "Invalid JSON"
	msgInvalidQuestion   = "Invalid question"
	msgInvalidCollection = "Invalid collection"
	msgInvalidHistory    = "Invalid history"
	msgInvalidModel      = "Invalid model"
	msgInvalidRequest    = "Invalid request"
	msgInternal          = "Something went wrong while processing your request"
	msgStreamFailed      = "Something went wrong while generating the answer"
	msgRateLimited       = "Too many requests, please try again later."
	msgIncorrectPassword = "Incorrect password"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Use JSON tag names for error field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// invalidField returns the JSON name of the first field that failed validation.
// Nested failures such as history[2].role report their top-level field.
func invalidField(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return ""
	}
	ns := verrs[0].Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	if i := strings.IndexAny(ns, ".["); i >= 0 {
		ns = ns[:i]
	}
	return ns
}

// sanitizeQuestion flattens newlines and trims surrounding space.
func sanitizeQuestion(q string) string {
	q = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(q)
	return strings.TrimSpace(q)
}

// clientIP is the request's remote host. RealIP has already applied proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
