package engine

import (
	"errors"
	"fmt"
)

// TransformError represents a fatal error detected during transformation.
//
// Transform errors include:
//   - Attribution: a call-site has no owning scope in the scope index
//   - Registry construction: a matched replacement constructor failed
//   - Invalid graph: the input violates definition-before-use or name uniqueness
//
// No partial result is returned alongside a TransformError. The module tree
// may already hold some replacements and should be discarded by the caller.
type TransformError struct {
	// Code identifies the error category.
	Code TransformErrorCode

	// Message is a human-readable description.
	Message string

	// Node is the original graph node being processed, if any.
	Node string

	// Target is the node target or the qualified module path, if any.
	Target string

	// Err is the underlying cause, if any.
	Err error
}

// TransformErrorCode categorizes transform errors.
type TransformErrorCode string

const (
	// ErrCodeAttribution indicates a call-site could not be mapped to a scope.
	ErrCodeAttribution TransformErrorCode = "ATTRIBUTION_ERROR"

	// ErrCodeConstruction indicates a replacement constructor failed.
	ErrCodeConstruction TransformErrorCode = "REGISTRY_CONSTRUCTION_ERROR"

	// ErrCodeInvalidGraph indicates the input graph is malformed.
	ErrCodeInvalidGraph TransformErrorCode = "INVALID_GRAPH"
)

// Error implements the error interface.
func (e *TransformError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	switch {
	case e.Node != "" && e.Target != "":
		msg += fmt.Sprintf(" (node=%s, target=%s)", e.Node, e.Target)
	case e.Node != "":
		msg += fmt.Sprintf(" (node=%s)", e.Node)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *TransformError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code TransformErrorCode) bool {
	var te *TransformError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// IsAttributionError reports whether err is an attribution error.
// Uses errors.As to handle wrapped errors.
func IsAttributionError(err error) bool {
	return hasCode(err, ErrCodeAttribution)
}

// IsConstructionError reports whether err is a registry construction error.
func IsConstructionError(err error) bool {
	return hasCode(err, ErrCodeConstruction)
}

// IsInvalidGraphError reports whether err is an invalid graph error.
func IsInvalidGraphError(err error) bool {
	return hasCode(err, ErrCodeInvalidGraph)
}

// NewAttributionError creates a TransformError for a call-site without scope.
func NewAttributionError(node, target, message string) *TransformError {
	return &TransformError{
		Code:    ErrCodeAttribution,
		Message: message,
		Node:    node,
		Target:  target,
	}
}

// NewConstructionError creates a TransformError for a failed constructor.
func NewConstructionError(node, target string, err error) *TransformError {
	return &TransformError{
		Code:    ErrCodeConstruction,
		Message: "replacement construction failed",
		Node:    node,
		Target:  target,
		Err:     err,
	}
}

func newInvalidGraphError(err error) *TransformError {
	return &TransformError{
		Code:    ErrCodeInvalidGraph,
		Message: "input graph is malformed",
		Err:     err,
	}
}
