package policy

import "errors"

var (
	// ErrNotFound indicates the requested role or permission does not exist.
	ErrNotFound = errors.New("policy: not found")
	// ErrImmutableRole indicates an attempt to delete or mutate a system role.
	ErrImmutableRole = errors.New("policy: system role is immutable")
	// ErrPolicyUnavailable indicates no rule snapshot could be obtained.
	// Evaluation fails closed when this occurs.
	ErrPolicyUnavailable = errors.New("policy: snapshot unavailable")
	// ErrInvalidRequest indicates a malformed principal, resource or action.
	// Rejected before any decision is attempted and never audited as a deny.
	ErrInvalidRequest = errors.New("policy: invalid request")
	// ErrUnknownAction indicates no permission is mapped for the
	// (resource kind, action) pair.
	ErrUnknownAction = errors.New("policy: unknown resource/action")
	// ErrInvalidScope indicates a scope value outside the known set.
	ErrInvalidScope = errors.New("policy: invalid scope")
)
