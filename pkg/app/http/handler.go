// Package http provides HTTP utilities for the operational API: chi-compatible
// error handling, zap access logging and graceful serving.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/chainsafe/bridge-settlement/pkg/app/errors"
)

// HandlerFunc defines a function that returns an error for clean error handling
type HandlerFunc func(http.ResponseWriter, *http.Request) error

// HandleError wraps an error-returning HandlerFunc into a standard http.HandlerFunc.
//
//	r.Get("/transfers/{id}", http.HandleError(logger, h.getTransfer))
func HandleError(logger *zap.Logger, h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			if !apperrors.Is(err, apperrors.CategoryDataError) && !apperrors.Is(err, apperrors.CategoryResourceNotFound) {
				logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
			}
			DefaultErrorHandler(w, err)
		}
	}
}

type errorResponse struct {
	ErrMsg     string `json:"error"`
	ErrMsgCode int    `json:"code"`
}

// DefaultErrorHandler writes err as a JSON error body
func DefaultErrorHandler(w http.ResponseWriter, err error) {
	var svcErr *apperrors.ServiceError
	if errors.As(err, &svcErr) {
		_ = WriteJSON(w, svcErr.StatusCode(), &errorResponse{
			ErrMsg:     svcErr.Message,
			ErrMsgCode: svcErr.StatusCode(),
		})
		return
	}

	_ = WriteJSON(w, http.StatusInternalServerError, &errorResponse{
		ErrMsg:     "Unexpected Service Error",
		ErrMsgCode: http.StatusInternalServerError,
	})
}

// WriteJSON writes v with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
