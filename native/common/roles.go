package common

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnauthorized is returned when the caller's capabilities do not include
// the role gating an entry point.
var ErrUnauthorized = errors.New("unauthorized")

// Role names a capability gating a set of administrative entry points.
type Role string

const (
	RolePauser            Role = "pauser"
	RoleUpgrader          Role = "upgrader"
	RoleParameterManager  Role = "parameter-manager"
	RoleTokenManager      Role = "token-manager"
	RoleLiquidityProvider Role = "liquidity-provider"
	RoleLiquidator        Role = "liquidator"
)

var knownRoles = map[Role]struct{}{
	RolePauser:            {},
	RoleUpgrader:          {},
	RoleParameterManager:  {},
	RoleTokenManager:      {},
	RoleLiquidityProvider: {},
	RoleLiquidator:        {},
}

// AllRoles returns every known role in lexical order.
func AllRoles() []Role {
	out := make([]Role, 0, len(knownRoles))
	for role := range knownRoles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseRole normalises a role name. Unknown names report false.
func ParseRole(name string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(name)))
	_, ok := knownRoles[role]
	return role, ok
}

// Capabilities is the set of roles granted to a caller.
type Capabilities map[Role]struct{}

type capabilitiesKey struct{}

// WithCapabilities returns a child context carrying the supplied roles in
// addition to any already granted on ctx.
func WithCapabilities(ctx context.Context, roles ...Role) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	existing := CapabilitiesFrom(ctx)
	merged := make(Capabilities, len(existing)+len(roles))
	for role := range existing {
		merged[role] = struct{}{}
	}
	for _, role := range roles {
		merged[role] = struct{}{}
	}
	return context.WithValue(ctx, capabilitiesKey{}, merged)
}

// CapabilitiesFrom extracts the granted roles from ctx.
func CapabilitiesFrom(ctx context.Context) Capabilities {
	if ctx == nil {
		return nil
	}
	caps, _ := ctx.Value(capabilitiesKey{}).(Capabilities)
	return caps
}

// HasRole reports whether ctx carries role.
func HasRole(ctx context.Context, role Role) bool {
	_, ok := CapabilitiesFrom(ctx)[role]
	return ok
}

// Require fails with ErrUnauthorized unless ctx carries role.
func Require(ctx context.Context, role Role) error {
	if HasRole(ctx, role) {
		return nil
	}
	return fmt.Errorf("%w: requires %s role", ErrUnauthorized, role)
}
