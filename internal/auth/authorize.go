package auth

import (
	"fmt"

	"github.com/teocoin/settlement/internal/errs"
)

// ResourceKind names the records guarded by Authorize.
type ResourceKind string

const (
	ResourceSnapshot ResourceKind = "snapshot"
	ResourceDecision ResourceKind = "decision"
	ResourceBalance  ResourceKind = "balance"
	ResourceLedger   ResourceKind = "ledger"
)

// Action is what the actor wants to do with a resource.
type Action string

const (
	ActionRead     Action = "read"
	ActionDecide   Action = "decide"
	ActionPurchase Action = "purchase"
	ActionStake    Action = "stake"
	ActionAudit    Action = "audit"
	ActionCredit   Action = "credit"
)

// Resource identifies a guarded record by its owner.
type Resource struct {
	Kind     ResourceKind
	OwnerRef string
}

// Authorize decides whether actor may perform action on res. Admins may do
// anything. Service actors act on behalf of any owner but cannot audit or
// credit. Users act only on resources they own.
func Authorize(actor Actor, res Resource, action Action) error {
	if actor.IsAdmin() {
		return nil
	}
	if actor.UserRef == "" {
		return errs.ErrUnauthenticated
	}
	switch action {
	case ActionAudit, ActionCredit:
		return fmt.Errorf("%s on %s requires admin: %w", action, res.Kind, errs.ErrUnauthorized)
	}
	if actor.Role == RoleService {
		return nil
	}
	if res.OwnerRef == "" || res.OwnerRef != actor.UserRef {
		return fmt.Errorf("%s %s: %w", action, res.Kind, errs.ErrUnauthorized)
	}
	return nil
}
