/*Package pgstore is the postgres implementation of the store driver.

Objects are rows in a single documents relation with a JSONB field column,
one row per object. Per-object mutation atomicity comes from row-level
locking (SELECT ... FOR UPDATE) inside a transaction; the patched state is
computed in Go with the shared patch logic, so both drivers produce
identical states.
*/
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/csql"
	"github.com/strata-dev/strata/core/logger"
	"github.com/strata-dev/strata/core/query"
	"github.com/strata-dev/strata/core/store"
)

// indexHintThreshold is the number of equality-filtered finds on the same
// field after which the store creates an expression index for it.
const indexHintThreshold = 16

// Store is the postgres driver
type Store struct {
	db *csql.DB

	readQuery   string
	insertQuery string
	updateQuery string
	deleteQuery string
	findQuery   string

	// filterCounts tracks equality-filtered fields per class for the
	// index hint optimization.
	hintMutex    sync.Mutex
	filterCounts map[string]int
	indexed      map[string]bool
}

// New creates the postgres driver and the documents relation if it does
// not exist yet.
func New(db *csql.DB) *Store {
	s := &Store{
		db:           db,
		filterCounts: make(map[string]int),
		indexed:      make(map[string]bool),
	}

	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."_object_"
(object_id uuid NOT NULL DEFAULT uuid_generate_v4(),
class varchar NOT NULL,
properties jsonb NOT NULL DEFAULT '{}'::jsonb,
acl jsonb,
created_at timestamp NOT NULL DEFAULT now(),
updated_at timestamp NOT NULL DEFAULT now(),
revision INTEGER NOT NULL DEFAULT 1,
PRIMARY KEY(object_id)
);
CREATE index IF NOT EXISTS object_class_index ON ` + db.Schema + `."_object_"(class);
CREATE index IF NOT EXISTS object_class_updated_index ON ` + db.Schema + `."_object_"(class,updated_at);`)
	if err != nil {
		panic(err)
	}

	columns := "object_id, class, properties, acl, created_at, updated_at, revision"
	s.readQuery = `SELECT ` + columns + ` FROM ` + db.Schema + `."_object_" WHERE class = $1 AND object_id = $2;`
	s.insertQuery = `INSERT INTO ` + db.Schema + `."_object_" (class, properties, acl, created_at, updated_at) ` +
		`VALUES($1,$2,$3,$4,$4) RETURNING object_id;`
	s.updateQuery = `UPDATE ` + db.Schema + `."_object_" SET properties = $3, acl = $4, updated_at = $5, ` +
		`revision = revision + 1 WHERE class = $1 AND object_id = $2 RETURNING revision;`
	s.deleteQuery = `DELETE FROM ` + db.Schema + `."_object_" WHERE class = $1 AND object_id = $2;`
	s.findQuery = `SELECT ` + columns + ` FROM ` + db.Schema + `."_object_" WHERE class = $1 `

	return s
}

func scanObject(scan func(dest ...interface{}) error) (*core.Object, error) {
	var (
		object     core.Object
		properties json.RawMessage
		acl        sql.NullString
	)
	err := scan(&object.ID, &object.Class, &properties, &acl, &object.CreatedAt, &object.UpdatedAt, &object.Revision)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(properties, &object.Fields); err != nil {
		return nil, err
	}
	if acl.Valid {
		if err := json.Unmarshal([]byte(acl.String), &object.ACL); err != nil {
			return nil, err
		}
	}
	return &object, nil
}

func marshalACL(acl core.ACL) (interface{}, error) {
	if acl == nil {
		return nil, nil
	}
	data, err := json.Marshal(acl)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Create persists a new object and assigns identifier and timestamps.
func (s *Store) Create(ctx context.Context, object *core.Object) (*core.Object, error) {
	if object.Class == "" {
		return nil, core.Errorf(core.KindValidation, "object lacks a class")
	}
	stored := object.Clone()
	if stored.Fields == nil {
		stored.Fields = map[string]interface{}{}
	}
	properties, err := json.Marshal(stored.Fields)
	if err != nil {
		return nil, core.Wrap(core.KindValidation, err, "cannot marshal fields")
	}
	acl, err := marshalACL(stored.ACL)
	if err != nil {
		return nil, core.Wrap(core.KindValidation, err, "cannot marshal acl")
	}
	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, s.insertQuery, stored.Class, properties, acl, now).Scan(&stored.ID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "cannot create %s object", stored.Class)
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Revision = 1
	return stored, nil
}

// Get returns the object or a not-found error.
func (s *Store) Get(ctx context.Context, className string, id uuid.UUID) (*core.Object, error) {
	object, err := scanObject(s.db.QueryRowContext(ctx, s.readQuery, className, id).Scan)
	if err == csql.ErrNoRows {
		return nil, core.Errorf(core.KindNotFound, "no %s object %s", className, id)
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "cannot read %s object %s", className, id)
	}
	return object, nil
}

// Update applies the patch atomically under a row lock. The object is left
// in its pre-mutation state on any failure.
func (s *Store) Update(ctx context.Context, className string, id uuid.UUID, patch store.Patch) (*core.Object, *core.Object, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, core.Wrap(core.KindInternal, err, "cannot begin transaction")
	}
	defer tx.Rollback()

	lockQuery := s.readQuery[:len(s.readQuery)-1] + " FOR UPDATE;"
	before, err := scanObject(tx.QueryRowContext(ctx, lockQuery, className, id).Scan)
	if err == csql.ErrNoRows {
		return nil, nil, core.Errorf(core.KindNotFound, "no %s object %s", className, id)
	}
	if err != nil {
		return nil, nil, core.Wrap(core.KindInternal, err, "cannot read %s object %s", className, id)
	}
	if patch.ExpectedRevision != 0 && patch.ExpectedRevision != before.Revision {
		return nil, nil, core.Errorf(core.KindConflict,
			"%s object %s is at revision %d, expected %d", className, id, before.Revision, patch.ExpectedRevision)
	}

	after := before.Clone()
	after.Fields = store.ApplyPatch(after.Fields, patch)
	if patch.ACL != nil {
		after.ACL = *patch.ACL
	}
	after.UpdatedAt = time.Now().UTC()
	after.Revision = before.Revision + 1

	properties, err := json.Marshal(after.Fields)
	if err != nil {
		return nil, nil, core.Wrap(core.KindValidation, err, "cannot marshal fields")
	}
	acl, err := marshalACL(after.ACL)
	if err != nil {
		return nil, nil, core.Wrap(core.KindValidation, err, "cannot marshal acl")
	}
	var revision int
	err = tx.QueryRowContext(ctx, s.updateQuery, className, id, properties, acl, after.UpdatedAt).Scan(&revision)
	if err != nil {
		return nil, nil, core.Wrap(core.KindInternal, err, "cannot update %s object %s", className, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, core.Wrap(core.KindInternal, err, "cannot commit update of %s object %s", className, id)
	}
	after.Revision = revision
	return before, after, nil
}

// Delete removes the object and returns its last state. No tombstone is kept.
func (s *Store) Delete(ctx context.Context, className string, id uuid.UUID) (*core.Object, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "cannot begin transaction")
	}
	defer tx.Rollback()

	lockQuery := s.readQuery[:len(s.readQuery)-1] + " FOR UPDATE;"
	object, err := scanObject(tx.QueryRowContext(ctx, lockQuery, className, id).Scan)
	if err == csql.ErrNoRows {
		return nil, core.Errorf(core.KindNotFound, "no %s object %s", className, id)
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "cannot read %s object %s", className, id)
	}
	if _, err := tx.ExecContext(ctx, s.deleteQuery, className, id); err != nil {
		return nil, core.Wrap(core.KindInternal, err, "cannot delete %s object %s", className, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, core.Wrap(core.KindInternal, err, "cannot commit delete of %s object %s", className, id)
	}
	return object, nil
}

// Find pushes top-level equality constraints into the SQL query as JSONB
// containment and applies the compiled predicate to the fetched
// candidates. Containment is a superset of the predicate's equality
// semantics (scalars compare exactly, arrays by containment), so the
// pushdown only pre-filters; the predicate decides, which keeps the result
// set exactly the predicate's match set.
func (s *Store) Find(ctx context.Context, q *query.Query) ([]*core.Object, error) {
	predicate, err := query.Compile(q)
	if err != nil {
		return nil, err
	}

	sqlQuery := s.findQuery
	queryParameters := []interface{}{q.Class}
	for field, constraint := range q.Where {
		if !isLiteralEquality(constraint) || strings.ContainsRune(field, '.') {
			continue
		}
		operand, err := json.Marshal(constraint)
		if err != nil {
			continue
		}
		sqlQuery += fmt.Sprintf("AND (properties->($%d::text) @> $%d::jsonb) ", len(queryParameters)+1, len(queryParameters)+2)
		queryParameters = append(queryParameters, field, string(operand))
		s.noteFilteredField(ctx, q.Class, field)
	}
	sqlQuery += ";"

	rows, err := s.db.QueryContext(ctx, sqlQuery, queryParameters...)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "cannot execute query `%s`", sqlQuery)
	}
	defer rows.Close()

	matches := []*core.Object{}
	for rows.Next() {
		object, err := scanObject(rows.Scan)
		if err != nil {
			return nil, core.Wrap(core.KindInternal, err, "cannot scan values")
		}
		if predicate.Matches(object) {
			matches = append(matches, object)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(core.KindInternal, err, "cannot read query result")
	}
	query.Sort(matches, q.Order)
	return query.Page(matches, q.Skip, q.Limit), nil
}

// isLiteralEquality reports whether the constraint is a plain literal
// compared for equality rather than an operator map.
func isLiteralEquality(constraint interface{}) bool {
	ops, ok := constraint.(map[string]interface{})
	if !ok {
		return true
	}
	for key := range ops {
		if strings.HasPrefix(key, "$") {
			return false
		}
	}
	return true
}

// noteFilteredField counts equality filters per class and field and creates
// an expression index once a field is queried often enough.
func (s *Store) noteFilteredField(ctx context.Context, className, field string) {
	if !safeIdentifier(className) || !safeIdentifier(field) {
		return
	}
	key := className + "." + field
	s.hintMutex.Lock()
	s.filterCounts[key]++
	create := s.filterCounts[key] >= indexHintThreshold && !s.indexed[key]
	if create {
		s.indexed[key] = true
	}
	s.hintMutex.Unlock()
	if !create {
		return
	}

	indexQuery := fmt.Sprintf(`CREATE index IF NOT EXISTS %s ON %s."_object_" USING gin ((properties->'%s')) WHERE class = '%s';`,
		"filter_hint_"+className+"_"+field, s.db.Schema, field, className)
	if _, err := s.db.ExecContext(ctx, indexQuery); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot create filter index for %s", key)
	}
}

// safeIdentifier restricts index hints to names that can be inlined into
// DDL without quoting concerns.
func safeIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
