// Package apperr defines the error kinds surfaced by publish and install
// operations. Callers branch on Kind and, for registry failures, on the
// registry code; the message text is for humans only.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindValidation    Kind = "validation"
	KindConfiguration Kind = "configuration"
	KindDependency    Kind = "dependency"
	KindNetwork       Kind = "network"
	KindRegistry      Kind = "registry"
	KindAuthorization Kind = "authorization"
	KindFileSystem    Kind = "filesystem"
)

// RegistryCode is part of the registry client contract.
type RegistryCode string

const (
	CodeEmptyResponse    RegistryCode = "EMPTY_RESPONSE"
	CodeInvalidStructure RegistryCode = "INVALID_STRUCTURE"
	CodeParseError       RegistryCode = "PARSE_ERROR"
	CodeRegistryError    RegistryCode = "REGISTRY_ERROR"
	CodeNotFound         RegistryCode = "NOT_FOUND"
)

type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Endpoint string
	// Registry is set for KindRegistry errors.
	Registry RegistryCode
	// Path holds the offending dependency chain for KindDependency errors.
	Path []string
	// Details lists every violated rule for KindValidation errors.
	Details []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Endpoint != "" {
		b.WriteString(" (endpoint ")
		b.WriteString(e.Endpoint)
		b.WriteString(")")
	}
	if len(e.Details) > 0 {
		for _, d := range e.Details {
			b.WriteString("\n  - ")
			b.WriteString(d)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return Redact(b.String())
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(code string, details []string) *Error {
	msg := "manifest validation failed"
	if len(details) == 1 {
		msg = "manifest validation failed (1 problem)"
	} else if len(details) > 1 {
		msg = fmt.Sprintf("manifest validation failed (%d problems)", len(details))
	}
	return &Error{Kind: KindValidation, Code: code, Message: msg, Details: details}
}

// Parse reports a descriptor that cannot be read as a manifest at all.
func Parse(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Configuration(code, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Dependency(code string, path []string, format string, args ...any) *Error {
	return &Error{Kind: KindDependency, Code: code, Message: fmt.Sprintf(format, args...), Path: append([]string(nil), path...)}
}

func Network(code, endpoint string, err error) *Error {
	return &Error{Kind: KindNetwork, Code: code, Message: "request failed", Endpoint: endpoint, Err: err}
}

func Registry(rc RegistryCode, endpoint, format string, args ...any) *Error {
	return &Error{Kind: KindRegistry, Code: "REG_" + string(rc), Registry: rc, Endpoint: endpoint, Message: fmt.Sprintf(format, args...)}
}

func Authorization(code, format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: fmt.Sprintf(format, args...)}
}

func FileSystem(code, path string, err error) *Error {
	return &Error{Kind: KindFileSystem, Code: code, Message: path, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RegistryCodeOf returns the registry code carried by err, or "".
func RegistryCodeOf(err error) RegistryCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Registry
	}
	return ""
}

// Remedy suggests the user action for an error kind.
func Remedy(err error) string {
	switch KindOf(err) {
	case KindValidation:
		return "fix the listed manifest problems and retry"
	case KindConfiguration:
		return "set the missing value in config.toml or the SKILLVAULT_* environment"
	case KindDependency:
		return "break the dependency cycle or publish the missing dependency"
	case KindNetwork:
		return "check connectivity to the listed endpoint and retry"
	case KindRegistry:
		return "the registry returned an unexpected response; retry later or check the process id"
	case KindAuthorization:
		return "fund the wallet, or do not update a skill you do not own"
	case KindFileSystem:
		return "check the path exists and is readable/writable"
	}
	return ""
}
