package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error classification. Kinds are part of
// the public surface: they appear under `kind` in HTTP error bodies and under
// `data.kind` in JSON-RPC error objects.
type Kind string

const (
	KindInvalidArguments      Kind = "invalid_arguments"
	KindUnknownTool           Kind = "unknown_tool"
	KindToolDisabledInSandbox Kind = "tool_disabled_in_sandbox"
	KindSkillUnavailable      Kind = "skill_unavailable"
	KindTimeout               Kind = "timeout"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindRateLimited           Kind = "rate_limited"
	KindUnauthenticated       Kind = "unauthenticated"
	KindForbidden             Kind = "forbidden"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindInternal              Kind = "internal"
)

// Error carries a stable kind plus a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a kinded error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// KindOf extracts the kind from err, defaulting to internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to the status code the gateway responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArguments:
		return http.StatusBadRequest
	case KindUnknownTool, KindNotFound:
		return http.StatusNotFound
	case KindToolDisabledInSandbox, KindForbidden:
		return http.StatusForbidden
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindSkillUnavailable, KindDependencyUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// JSONRPCCode maps an error kind into the -32000..-32099 application range.
func JSONRPCCode(kind Kind) int {
	switch kind {
	case KindInvalidArguments:
		return -32602
	case KindUnknownTool:
		return -32601
	case KindTimeout:
		return -32001
	case KindSkillUnavailable:
		return -32002
	case KindToolDisabledInSandbox:
		return -32003
	case KindNotFound:
		return -32004
	case KindDependencyUnavailable:
		return -32005
	default:
		return -32000
	}
}
