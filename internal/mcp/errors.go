// Package mcp exposes the retrieval engine as Model Context Protocol tools.
package mcp

import (
	"context"
	"errors"
	"fmt"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

// Custom MCP error codes for amanrag.
const (
	// ErrCodeRetrievalUnavailable indicates neither search leg produced a list.
	ErrCodeRetrievalUnavailable = -32001

	// ErrCodeTimeout indicates the request timed out.
	ErrCodeTimeout = -32003

	// Standard JSON-RPC error codes.
	ErrCodeInvalidParams = -32602
	ErrCodeInternalError = -32603
)

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	}

	var e *amerrors.Error
	if !errors.As(err, &e) {
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}

	switch e.Code {
	case amerrors.ErrCodeInvalidRequest:
		return &MCPError{Code: ErrCodeInvalidParams, Message: e.Message}
	case amerrors.ErrCodeRetrievalUnavailable:
		return &MCPError{Code: ErrCodeRetrievalUnavailable, Message: e.Message}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: e.Message}
	}
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}
