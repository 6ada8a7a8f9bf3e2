// Package handlers implements the viewer bridge endpoints over the shared
// store and the outline service.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"lattice-core/pkg/errors"
)

var validate = validator.New()

// statusCodeFor maps backend error kinds onto HTTP statuses.
func statusCodeFor(err error) int {
	switch errors.Classify(err) {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindUnavailable:
		return http.StatusServiceUnavailable
	case errors.KindCancelled:
		// Client closed request; the viewer gave up first.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func respondJSON(logger *zap.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

func respondError(logger *zap.Logger, w http.ResponseWriter, err error) {
	status := statusCodeFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	respondJSON(logger, w, status, errorBody{Error: true, Message: err.Error(), Code: status})
}

func respondErrorMessage(logger *zap.Logger, w http.ResponseWriter, status int, message string) {
	respondJSON(logger, w, status, errorBody{Error: true, Message: message, Code: status})
}

// decodeBody decodes and validates a JSON request body.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.NewValidation("invalid request body: " + err.Error())
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return errors.NewValidation(fmt.Sprintf("field %s failed %s validation", first.Field(), first.Tag()))
	}
	return errors.NewValidation(err.Error())
}
