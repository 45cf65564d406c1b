package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every failure the context store can surface.
type ErrorCode string

// Failure taxonomy. Structural and tenant-isolation codes are never
// auto-retried; CodeConflict is safe to retry after a fresh read.
const (
	// CodeNotFound indicates the addressed record does not exist or was deleted.
	CodeNotFound ErrorCode = "not_found"
	// CodeAlreadyExists indicates the (tenant, level, id) key is taken, or was
	// consumed by a deleted record whose id is never reused.
	CodeAlreadyExists ErrorCode = "already_exists"
	// CodeParentNotFound indicates the supplied parent id does not resolve one
	// level up.
	CodeParentNotFound ErrorCode = "parent_not_found"
	// CodeBrokenChain indicates an ancestor hop was missing during resolution.
	CodeBrokenChain ErrorCode = "broken_chain"
	// CodeConflict indicates an optimistic-version mismatch on update.
	CodeConflict ErrorCode = "conflict"
	// CodeInvalidDirection indicates a delegation target that is not a strict
	// ancestor of the source.
	CodeInvalidDirection ErrorCode = "invalid_direction"
	// CodeCrossTenantDenied indicates the addressed record belongs to another
	// tenant. It presents to callers exactly like CodeNotFound but is
	// distinguishable for logging so tenant boundaries cannot be probed.
	CodeCrossTenantDenied ErrorCode = "cross_tenant_denied"
	// CodeCacheUnavailable indicates a cache backend failure. It never escapes
	// the cache layer; mutations and reads proceed against the repositories.
	CodeCacheUnavailable ErrorCode = "cache_unavailable"
)

// Error is the discriminated failure type returned by every operation.
type Error struct {
	Code     ErrorCode
	Level    ScopeLevel
	TenantID string
	ID       string
	Detail   string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s %s", e.Code, e.Level, e.ID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches against another *Error by code, so callers can test with
// errors.Is(err, domain.ErrNotFound) style sentinels.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	if other.Code == CodeNotFound {
		// Cross-tenant denials are indistinguishable from not-found in any
		// caller-visible check; only CodeOf can tell them apart for logging.
		return e.Code == CodeNotFound || e.Code == CodeCrossTenantDenied
	}
	return e.Code == other.Code
}

// Sentinel errors for use with errors.Is.
var (
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrAlreadyExists    = &Error{Code: CodeAlreadyExists}
	ErrParentNotFound   = &Error{Code: CodeParentNotFound}
	ErrBrokenChain      = &Error{Code: CodeBrokenChain}
	ErrConflict         = &Error{Code: CodeConflict}
	ErrInvalidDirection = &Error{Code: CodeInvalidDirection}
	ErrCacheUnavailable = &Error{Code: CodeCacheUnavailable}
)

// NewNotFound builds a not-found error for the addressed record.
func NewNotFound(tenantID string, level ScopeLevel, id string) *Error {
	return &Error{Code: CodeNotFound, TenantID: tenantID, Level: level, ID: id}
}

// NewAlreadyExists builds an already-exists error for the addressed key.
func NewAlreadyExists(tenantID string, level ScopeLevel, id string) *Error {
	return &Error{Code: CodeAlreadyExists, TenantID: tenantID, Level: level, ID: id}
}

// NewParentNotFound builds a parent-not-found error naming the missing parent.
func NewParentNotFound(tenantID string, level ScopeLevel, parentID string) *Error {
	return &Error{Code: CodeParentNotFound, TenantID: tenantID, Level: level, ID: parentID}
}

// NewBrokenChain builds a broken-chain error naming the missing ancestor hop.
func NewBrokenChain(tenantID string, level ScopeLevel, id string, detail string) *Error {
	return &Error{Code: CodeBrokenChain, TenantID: tenantID, Level: level, ID: id, Detail: detail}
}

// NewConflict builds an optimistic-version conflict error.
func NewConflict(tenantID string, level ScopeLevel, id string, expected, actual int64) *Error {
	return &Error{
		Code:     CodeConflict,
		TenantID: tenantID,
		Level:    level,
		ID:       id,
		Detail:   fmt.Sprintf("expected version %d, have %d", expected, actual),
	}
}

// NewInvalidDirection builds a delegation-direction error.
func NewInvalidDirection(source, target ScopeLevel) *Error {
	return &Error{
		Code:   CodeInvalidDirection,
		Level:  source,
		Detail: fmt.Sprintf("target level %s is not a strict ancestor of %s", target, source),
	}
}

// NewCrossTenantDenied builds a cross-tenant denial for the addressed record.
func NewCrossTenantDenied(tenantID string, level ScopeLevel, id string) *Error {
	return &Error{Code: CodeCrossTenantDenied, TenantID: tenantID, Level: level, ID: id}
}

// CodeOf extracts the taxonomy code from an error chain, or "" when the error
// does not originate from this store.
func CodeOf(err error) ErrorCode {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return ""
}

// IsCrossTenant reports whether the error is a cross-tenant denial. Loggers
// use this to record denials distinctly while callers see a plain not-found.
func IsCrossTenant(err error) bool {
	return CodeOf(err) == CodeCrossTenantDenied
}
