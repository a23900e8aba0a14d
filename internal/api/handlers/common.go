// Package handlers provides the HTTP handlers of the scanqueue API.
// This file contains the response, parsing and error mapping helpers the
// handlers share.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/anstrom/scanqueue/internal/api/middleware"
	"github.com/anstrom/scanqueue/internal/errors"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// statusFor maps an error code to an HTTP status.
func statusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeValidation:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeConflict, errors.CodeInvalidTransition:
		return http.StatusConflict
	case errors.CodeNoCapacity:
		return http.StatusServiceUnavailable
	case errors.CodeAuthentication:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

// retryAfter is advertised on errors a client may retry unchanged.
const retryAfter = "5"

// writeError writes err with the status its code maps to. Internal
// errors are logged and their details withheld from the client.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	if errors.IsRetryable(err) {
		w.Header().Set("Retry-After", retryAfter)
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("Request failed",
			"request_id", middleware.GetRequestID(r),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		message = "internal error"
	}
	writeStatus(w, r, status, message, string(errors.GetCode(err)))
}

func writeStatus(w http.ResponseWriter, r *http.Request, status int, message, code string) {
	writeJSON(w, r, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	})
}

// parseJSON decodes the request body into dest and validates it.
func parseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.ErrValidation("request body is empty")
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dest); err != nil {
		if stderrors.Is(err, io.EOF) {
			return errors.ErrValidation("request body is empty")
		}
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.ErrValidation(fmt.Sprintf("request body too large (max %d bytes)", tooLarge.Limit))
		}
		return errors.ErrValidation(fmt.Sprintf("invalid JSON: %v", err))
	}
	return validateStruct(dest)
}

// validateStruct runs the validate tags of v and reports the first
// failing field by its JSON name.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) || len(verrs) == 0 {
		return errors.ErrValidation(err.Error())
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return errors.ErrValidation(fmt.Sprintf("%s is required", field))
	case "max":
		return errors.ErrValidation(fmt.Sprintf("%s must be at most %s", field, fe.Param()))
	case "oneof":
		return errors.ErrValidation(fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
	default:
		return errors.ErrValidation(fmt.Sprintf("%s failed %q validation", field, fe.Tag()))
	}
}

// pathID extracts the {id} route variable.
func pathID(r *http.Request) (string, error) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		return "", errors.ErrValidation("id cannot be empty")
	}
	return id, nil
}

// queryInt extracts an integer query parameter with a default value.
func queryInt(r *http.Request, key string, defaultValue int) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.ErrValidation(fmt.Sprintf("invalid %s parameter: %q", key, value))
	}
	return n, nil
}

// queryBool extracts a boolean query parameter with a default value.
func queryBool(r *http.Request, key string, defaultValue bool) (bool, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.ErrValidation(fmt.Sprintf("invalid %s parameter: %q", key, value))
	}
	return b, nil
}
