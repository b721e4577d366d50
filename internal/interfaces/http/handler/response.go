package handler

import "github.com/paramcache/backend/internal/interfaces/http/dto"

// APIResponse documents the success envelope with a typed payload.
// Handlers write dto.Response; this mirrors its shape for OpenAPI.
type APIResponse[T any] struct {
	Success bool           `json:"success" example:"true"`
	Data    T              `json:"data,omitempty"`
	Error   *dto.ErrorInfo `json:"error,omitempty"`
}

// ErrorResponse represents an error API response for OpenAPI documentation
// @Description Standard error response
type ErrorResponse struct {
	Success bool           `json:"success" example:"false"`
	Error   *dto.ErrorInfo `json:"error,omitempty"`
}
