// Package handlers provides the REST API of the stockroom server.
package handlers

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
)

// publicInternalMessage replaces the message of 5xx errors in production.
const publicInternalMessage = "internal server error"

// errorBody is the JSON payload of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

// errorWriter renders errors as JSON. In production the message of
// 5xx errors is replaced and no diagnostics are attached.
type errorWriter struct {
	production bool
	log        *logging.Logger
}

func (e errorWriter) write(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.HTTPStatus(code)

	message := publicInternalMessage
	if appErr, ok := apperrors.As(err); ok {
		message = appErr.Message
	}

	ctx := map[string]interface{}{
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     status,
		"code":       string(code),
		"request_id": RequestIDFromContext(r.Context()),
	}
	if status >= http.StatusInternalServerError {
		e.log.Error("request failed", err, ctx)
	} else {
		e.log.Debug("request rejected", ctx)
	}

	body := errorBody{Error: message}
	if e.production {
		if status >= http.StatusInternalServerError {
			body.Error = publicInternalMessage
		}
	} else {
		body.Details = err.Error()
		body.Code = string(code)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return apperrors.New(apperrors.ErrValidation, "request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err)
	}
	return nil
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs the validate tags of v and reports every failed field
// in one VALIDATION_ERROR.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid request", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return apperrors.Wrap(apperrors.ErrValidation, strings.Join(msgs, "; "), err)
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "min":
		return field + " must be at least " + fe.Param() + " characters"
	case "gte":
		return field + " must be at least " + fe.Param()
	default:
		return field + " is invalid"
	}
}
