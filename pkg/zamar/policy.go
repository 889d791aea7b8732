package zamar

import "strings"

// AdminPolicy decides whether an identified user may use admin routes.
type AdminPolicy interface {
	IsAdmin(user *User) bool
}

// AdminPolicyFunc adapts a function to AdminPolicy.
type AdminPolicyFunc func(user *User) bool

func (f AdminPolicyFunc) IsAdmin(user *User) bool {
	return user != nil && f(user)
}

// EmailPolicy grants admin to a single address, compared case-sensitively.
// An empty address grants nobody.
func EmailPolicy(address string) AdminPolicy {
	return AdminPolicyFunc(func(user *User) bool {
		return address != "" && user.Email == address
	})
}

// RolePolicy grants admin to users whose role claim is one of roles.
func RolePolicy(roles ...string) AdminPolicy {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			allowed[r] = struct{}{}
		}
	}
	return AdminPolicyFunc(func(user *User) bool {
		_, ok := allowed[user.Role]
		return ok && user.Role != ""
	})
}

// AnyPolicy grants admin when any of the given policies does.
func AnyPolicy(policies ...AdminPolicy) AdminPolicy {
	return AdminPolicyFunc(func(user *User) bool {
		for _, p := range policies {
			if p != nil && p.IsAdmin(user) {
				return true
			}
		}
		return false
	})
}
