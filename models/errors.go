package models

import "errors"

// Business-rule sentinels. Handlers map these to response codes; callers
// should compare with errors.Is because operations may wrap them.
var (
	// ErrInvalidQuantity is returned when a physical count is negative or not a number.
	ErrInvalidQuantity = errors.New("physical quantity must be a non-negative number")

	// ErrIncompleteCount is returned when completing a stock opname that still has pending items.
	ErrIncompleteCount = errors.New("stock opname still has uncounted items")

	// ErrIncidentRequired is returned when verifying an item whose variance demands an incident.
	ErrIncidentRequired = errors.New("variance of this size requires an incident before resolution")

	// ErrItemNotEligible is returned when opening an incident for a zero-variance item.
	ErrItemNotEligible = errors.New("item has no variance to investigate")

	// ErrDuplicateIncident is returned when an item already has an incident pending approval.
	ErrDuplicateIncident = errors.New("item already has an incident pending approval")

	// ErrInsufficientAuthority is returned when the approver's tier does not cover the required tier.
	ErrInsufficientAuthority = errors.New("approval requires a higher authority tier")

	// ErrUnresolvedItems is returned when posting a stock opname that still has unresolved items.
	ErrUnresolvedItems = errors.New("stock opname still has unresolved items")

	// ErrAlreadyPosted is returned when posting a stock opname that was already posted.
	ErrAlreadyPosted = errors.New("stock opname has already been posted")
)
