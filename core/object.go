package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ACLEntry grants or denies read and write access for one subject
type ACLEntry struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// ACL is the per-object access control list. Keys are subjects: a user id,
// "role:<name>" for a role, or "*" for public access. An ACL entry overrides
// the class-level permission for its subject.
type ACL map[string]ACLEntry

// PublicSubject is the ACL key granting access to everybody
const PublicSubject = "*"

// RoleSubject returns the ACL key for the named role
func RoleSubject(role string) string {
	return "role:" + role
}

// IsRoleSubject returns the role name and true if the subject names a role
func IsRoleSubject(subject string) (string, bool) {
	if strings.HasPrefix(subject, "role:") {
		return strings.TrimPrefix(subject, "role:"), true
	}
	return "", false
}

// Object is a single stored document. Fields holds the schema-flexible
// values keyed by field name; identifier and timestamps are owned by the
// store and never client-writable.
type Object struct {
	ID        uuid.UUID              `json:"id"`
	Class     string                 `json:"class"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Revision  int                    `json:"revision"`
	ACL       ACL                    `json:"acl,omitempty"`
	Fields    map[string]interface{} `json:"fields"`
}

// Clone returns a deep copy of the object. The store hands out clones so
// that hooks and subscribers can never mutate canonical state.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Fields = cloneValue(o.Fields).(map[string]interface{})
	if o.ACL != nil {
		clone.ACL = make(ACL, len(o.ACL))
		for k, v := range o.ACL {
			clone.ACL[k] = v
		}
	}
	return &clone
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}
