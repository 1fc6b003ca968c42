/*Package access provides identities and access control decisions.

An Identity is the requesting principal of an operation: anonymous, an
authenticated user with role memberships, or the master-key holder. The
Checker decides read/write permission for an identity against an object,
combining the object's ACL with class-level permits.
*/
package access

import (
	"context"

	"github.com/google/uuid"

	"github.com/strata-dev/strata/core"
)

// Identity is the principal a request acts as. The zero value is the
// anonymous identity.
type Identity struct {
	Master bool      `json:"master,omitempty"`
	UserID uuid.UUID `json:"user_id,omitempty"`
	Roles  []string  `json:"roles,omitempty"`
}

// Anonymous reports whether the identity is neither a user nor the
// master-key holder.
func (i Identity) Anonymous() bool {
	return !i.Master && i.UserID == uuid.Nil
}

// HasRole returns true if the identity carries the requested role;
// otherwise it returns false.
func (i Identity) HasRole(role string) bool {
	for _, hasRole := range i.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// String renders the identity for log statements.
func (i Identity) String() string {
	if i.Master {
		return "master"
	}
	if i.UserID == uuid.Nil {
		return "anonymous"
	}
	return i.UserID.String()
}

// Permit grants a set of operations to one subject. Subjects are "public"
// for everybody including anonymous requests, "authenticated" for any
// logged-in user, or a role name.
type Permit struct {
	Subject    string           `json:"subject"`
	Operations []core.Operation `json:"operations"`
}

// the predefined permit subjects
const (
	SubjectPublic        = "public"
	SubjectAuthenticated = "authenticated"
)

// ClassPermitsFunc returns the class-level permits for a class name. The
// schema registry supplies this; a nil slice means the class is master-only.
type ClassPermitsFunc func(className string) []Permit

// Checker decides access for identities against classes and objects. It is
// read-only and safe for concurrent use.
type Checker struct {
	classPermits ClassPermitsFunc
}

// NewChecker creates a checker on top of the given class permit source.
func NewChecker(classPermits ClassPermitsFunc) *Checker {
	return &Checker{classPermits: classPermits}
}

// AuthorizeClass decides whether the identity may perform the operation on
// the class at all. This gate runs before any persistence call.
func (c *Checker) AuthorizeClass(identity Identity, className string, operation core.Operation) bool {
	if identity.Master {
		return true
	}
	for _, permit := range c.classPermits(className) {
		if !permitsOperation(permit, operation) {
			continue
		}
		switch permit.Subject {
		case SubjectPublic:
			return true
		case SubjectAuthenticated:
			if !identity.Anonymous() {
				return true
			}
		default:
			if identity.HasRole(permit.Subject) {
				return true
			}
		}
	}
	return false
}

// AuthorizeObject decides whether the identity may perform the operation on
// this specific object. Resolution order: master key, then the object ACL
// entry for the user id, the identity's roles, the public entry, and
// finally the class-level permits. The first ACL entry found decides; if
// the object carries an ACL but no entry matches, writes are denied and
// reads fall back to the class level.
func (c *Checker) AuthorizeObject(identity Identity, object *core.Object, operation core.Operation) bool {
	if identity.Master {
		return true
	}
	if len(object.ACL) == 0 {
		return c.AuthorizeClass(identity, object.Class, operation)
	}

	write := isWrite(operation)
	if identity.UserID != uuid.Nil {
		if entry, ok := object.ACL[identity.UserID.String()]; ok {
			return allows(entry, write)
		}
	}
	for _, role := range identity.Roles {
		if entry, ok := object.ACL[core.RoleSubject(role)]; ok {
			return allows(entry, write)
		}
	}
	if entry, ok := object.ACL[core.PublicSubject]; ok {
		return allows(entry, write)
	}
	if write {
		return false
	}
	return c.AuthorizeClass(identity, object.Class, operation)
}

func allows(entry core.ACLEntry, write bool) bool {
	if write {
		return entry.Write
	}
	return entry.Read
}

func isWrite(operation core.Operation) bool {
	switch operation {
	case core.OperationCreate, core.OperationUpdate, core.OperationDelete:
		return true
	}
	return false
}

func permitsOperation(permit Permit, operation core.Operation) bool {
	for _, op := range permit.Operations {
		if op == operation {
			return true
		}
	}
	return false
}

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyIdentity contextKey = "_identity_"

// ContextWithIdentity returns a new context with this identity added to it
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves the identity from the context. It returns
// the anonymous identity if the context carries none.
func IdentityFromContext(ctx context.Context) Identity {
	identity, ok := ctx.Value(contextKeyIdentity).(Identity)
	if ok {
		return identity
	}
	return Identity{}
}
