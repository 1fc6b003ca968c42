/*Package core contains the shared vocabulary of the strata object store:
storage operations, change event kinds and the error taxonomy used by all
other packages.
*/
package core

import (
	"encoding/json"
	"fmt"
)

// Operation represents a backend storage operation, one of Create, Get, Update, Delete, Find
type Operation string

// all supported storage operations
const (
	OperationCreate Operation = "create"
	OperationGet    Operation = "get"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationFind   Operation = "find"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationGet, OperationUpdate, OperationDelete, OperationFind:
		return nil
	default:
		return fmt.Errorf("%s is not a valid Operation", s)
	}
}

// EventKind represents the kind of a committed change, one of Create, Update, Delete
type EventKind string

// all change event kinds
const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// ReservedClassUser is the class which stores user objects with credentials
const ReservedClassUser = "_User"

// ReservedClassSession is the class which stores session records
const ReservedClassSession = "_Session"

// IsReservedClass returns true for class names managed by the core itself
func IsReservedClass(name string) bool {
	return name == ReservedClassUser || name == ReservedClassSession
}
