/*Package backend ties the core together into one object store backend.

An inbound operation flows through access control, schema validation and
before-hooks, is then persisted through the store driver, and finally the
committed change is published on the change feed, which drives after-hooks,
the live query hub and the optional Kafka publisher.
*/
package backend

import (
	"context"
	"reflect"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/access"
	"github.com/strata-dev/strata/core/csql"
	"github.com/strata-dev/strata/core/feed"
	"github.com/strata-dev/strata/core/hooks"
	"github.com/strata-dev/strata/core/livequery"
	"github.com/strata-dev/strata/core/logger"
	"github.com/strata-dev/strata/core/query"
	"github.com/strata-dev/strata/core/registry"
	"github.com/strata-dev/strata/core/schema"
	"github.com/strata-dev/strata/core/session"
	"github.com/strata-dev/strata/core/store"
	"github.com/strata-dev/strata/core/store/memstore"
	"github.com/strata-dev/strata/core/store/pgstore"
)

// updateRetries bounds the optimistic retry loop around authorized updates.
const updateRetries = 3

// Builder is a builder helper for the Backend
type Builder struct {
	// Config is the JSON description of the predefined classes. Optional;
	// classes not listed here come into existence on first write.
	Config string
	// DB is a postgres database. Optional; without it the backend runs on
	// the in-memory store, which is intended for tests.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// JSONSchemas contains JSON Schemas which class definitions can pin
	// via their schema id. JSONSchemasRefs contains schemas the former may
	// reference.
	JSONSchemas     []string
	JSONSchemasRefs []string
	// MasterKey authenticates requests with full access. Optional; without
	// it only service tokens grant master access.
	MasterKey string
	// JWTSecret verifies service identity tokens. Optional.
	JWTSecret []byte
	// SessionLifetime is the validity of issued sessions, two weeks if zero.
	SessionLifetime time.Duration
	// KafkaBrokers enables the change stream publisher. Optional.
	KafkaBrokers []string
	// KafkaTopic is the change stream topic, "object-changes" if empty.
	KafkaTopic string
}

type classConfiguration struct {
	Classes []schema.Class `json:"classes"`
}

// Backend is the object store backend
type Backend struct {
	Schema   *schema.Registry
	Sessions *session.Manager
	Hooks    *hooks.Dispatcher
	Hub      *livequery.Hub

	driver    store.Driver
	checker   *access.Checker
	feed      *feed.Feed
	kafka     *feed.KafkaPublisher
	masterKey string
	jwtSecret []byte
	jwtCache  *access.IdentityCache
}

// New realizes the backend: it creates the store tables if necessary, wires
// the change feed and adds the routes to the router.
func New(bb *Builder) *Backend {
	if bb.Router == nil {
		panic("Router is missing")
	}

	var schemaRegistry *schema.Registry
	var driver store.Driver
	if bb.DB != nil {
		var err error
		schemaRegistry, err = schema.NewPersistent(registry.New(bb.DB).Accessor("schema"))
		if err != nil {
			panic(err)
		}
		driver = pgstore.New(bb.DB)
	} else {
		schemaRegistry = schema.New()
		driver = memstore.New()
	}

	if len(bb.JSONSchemas) > 0 {
		validator, err := schema.NewValidator(bb.JSONSchemas, bb.JSONSchemasRefs)
		if err != nil {
			panic(err)
		}
		schemaRegistry = schemaRegistry.WithValidator(validator)
	}

	if bb.Config != "" {
		configuration := classConfiguration{}
		if err := json.Unmarshal([]byte(bb.Config), &configuration); err != nil {
			panic(core.Wrap(core.KindValidation, err, "parse error in backend configuration"))
		}
		for _, class := range configuration.Classes {
			if err := schemaRegistry.DefineClass(class); err != nil {
				panic(err)
			}
		}
	}

	checker := access.NewChecker(schemaRegistry.Permits)
	b := &Backend{
		Schema:    schemaRegistry,
		Sessions:  session.NewManager(driver, bb.SessionLifetime),
		Hooks:     hooks.NewDispatcher(),
		Hub:       livequery.NewHub(checker),
		driver:    driver,
		checker:   checker,
		feed:      feed.New(0),
		masterKey: bb.MasterKey,
		jwtSecret: bb.JWTSecret,
		jwtCache:  access.NewIdentityCache(),
	}

	// after-hooks run off the feed so they never execute under an object
	// lock; the hub and the Kafka publisher follow for the same reason
	b.feed.Subscribe(feed.SubscriberFunc(b.invokeAfterHooks))
	b.feed.Subscribe(b.Hub)
	if len(bb.KafkaBrokers) > 0 {
		topic := bb.KafkaTopic
		if topic == "" {
			topic = "object-changes"
		}
		b.kafka = feed.NewKafkaPublisher(bb.KafkaBrokers, topic)
		b.feed.Subscribe(b.kafka)
	}

	b.handleRoutes(bb.Router)
	return b
}

// Close shuts the backend down: feed first so no event is lost, then the
// subscriptions and the driver.
func (b *Backend) Close() error {
	b.feed.Close()
	b.Hub.Close()
	if b.kafka != nil {
		b.kafka.Close()
	}
	return b.driver.Close()
}

func (b *Backend) invokeAfterHooks(ctx context.Context, event store.ChangeEvent) {
	hookEvent, ok := hookEventFor(event.Kind)
	if !ok {
		return
	}
	b.Hooks.InvokeAfter(ctx, hooks.Context{
		Event:  hookEvent,
		Class:  event.Class,
		Object: event.Object(),
		Before: event.Before,
	})
}

func hookEventFor(kind core.EventKind) (hooks.Event, bool) {
	switch kind {
	case core.EventCreate:
		return hooks.EventCreate, true
	case core.EventUpdate:
		return hooks.EventUpdate, true
	case core.EventDelete:
		return hooks.EventDelete, true
	}
	return "", false
}

// Create validates, persists and announces a new object. The identity
// comes from the request context.
func (b *Backend) Create(ctx context.Context, className string, fields map[string]interface{}, acl core.ACL) (*core.Object, error) {
	identity := access.IdentityFromContext(ctx)
	if err := validateClassName(className, identity); err != nil {
		return nil, err
	}
	if !b.checker.AuthorizeClass(identity, className, core.OperationCreate) {
		return nil, core.Errorf(core.KindForbidden, "create on class %s denied", className)
	}
	accepted, err := b.Schema.ValidateWrite(className, fields)
	if err != nil {
		return nil, err
	}

	pending := &core.Object{Class: className, ACL: acl, Fields: accepted}
	hookContext := hooks.Context{Event: hooks.EventCreate, Class: className, Identity: identity, Object: pending}
	if err := b.Hooks.InvokeBefore(ctx, &hookContext); err != nil {
		return nil, err
	}
	if !reflect.DeepEqual(pending.Fields, accepted) {
		// a before-hook mutated the pending object
		if pending.Fields, err = b.Schema.ValidateWrite(className, pending.Fields); err != nil {
			return nil, err
		}
	}

	created, err := b.driver.Create(ctx, pending)
	if err != nil {
		return nil, err
	}
	b.feed.Publish(ctx, store.ChangeEvent{Class: className, Kind: core.EventCreate, After: created.Clone()})
	logger.FromContext(ctx).Debugf("created %s/%s", className, created.ID)
	return created, nil
}

// Get returns the object if the identity may read it.
func (b *Backend) Get(ctx context.Context, className string, id uuid.UUID) (*core.Object, error) {
	identity := access.IdentityFromContext(ctx)
	if err := validateClassName(className, identity); err != nil {
		return nil, err
	}
	if !b.checker.AuthorizeClass(identity, className, core.OperationGet) {
		return nil, core.Errorf(core.KindForbidden, "get on class %s denied", className)
	}
	object, err := b.driver.Get(ctx, className, id)
	if err != nil {
		return nil, err
	}
	if !b.checker.AuthorizeObject(identity, object, core.OperationGet) {
		return nil, core.Errorf(core.KindForbidden, "read of %s/%s denied", className, id)
	}
	return object, nil
}

// Update applies the patch atomically. Object-level write permission is
// checked against the current state; if a before-hook mutates the pending
// object, the update commits only against the previewed revision.
func (b *Backend) Update(ctx context.Context, className string, id uuid.UUID, patch store.Patch) (*core.Object, error) {
	identity := access.IdentityFromContext(ctx)
	if err := validateClassName(className, identity); err != nil {
		return nil, err
	}
	if !b.checker.AuthorizeClass(identity, className, core.OperationUpdate) {
		return nil, core.Errorf(core.KindForbidden, "update on class %s denied", className)
	}
	if _, err := b.Schema.ValidateWrite(className, patch.Set); err != nil {
		return nil, err
	}

	// the permission check and the commit are separate steps, so the
	// commit is pinned to the checked revision and retried on conflict
	for attempt := 0; ; attempt++ {
		current, err := b.driver.Get(ctx, className, id)
		if err != nil {
			return nil, err
		}
		if !b.checker.AuthorizeObject(identity, current, core.OperationUpdate) {
			return nil, core.Errorf(core.KindForbidden, "write to %s/%s denied", className, id)
		}
		if patch.ExpectedRevision != 0 && patch.ExpectedRevision != current.Revision {
			return nil, core.Errorf(core.KindConflict, "object %s/%s is at revision %d, expected %d",
				className, id, current.Revision, patch.ExpectedRevision)
		}

		attemptPatch, err := b.previewBeforeHooks(ctx, identity, className, current, patch)
		if err != nil {
			return nil, err
		}
		attemptPatch.ExpectedRevision = current.Revision

		_, after, err := b.driver.Update(ctx, className, id, attemptPatch)
		if core.KindOf(err) == core.KindConflict && attempt < updateRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		b.feed.Publish(ctx, store.ChangeEvent{
			Class: className, Kind: core.EventUpdate, Before: current, After: after.Clone(),
		})
		return after, nil
	}
}

// previewBeforeHooks applies the patch to a copy of the current state,
// runs the before-hooks on the preview, and folds hook mutations back into
// the patch.
func (b *Backend) previewBeforeHooks(ctx context.Context, identity access.Identity, className string, current *core.Object, patch store.Patch) (store.Patch, error) {
	preview := current.Clone()
	preview.Fields = store.ApplyPatch(preview.Fields, patch)
	if patch.ACL != nil {
		preview.ACL = *patch.ACL
	}
	original := preview.Clone()

	hookContext := hooks.Context{Event: hooks.EventUpdate, Class: className, Identity: identity, Object: preview, Before: current}
	if err := b.Hooks.InvokeBefore(ctx, &hookContext); err != nil {
		return store.Patch{}, err
	}
	if reflect.DeepEqual(preview.Fields, original.Fields) {
		return patch, nil
	}

	accepted, err := b.Schema.ValidateWrite(className, preview.Fields)
	if err != nil {
		return store.Patch{}, err
	}
	mutated := store.Patch{Set: accepted, ACL: patch.ACL}
	for name := range current.Fields {
		if _, ok := accepted[name]; !ok {
			mutated.Unset = append(mutated.Unset, name)
		}
	}
	return mutated, nil
}

// Delete removes the object and announces its last state.
func (b *Backend) Delete(ctx context.Context, className string, id uuid.UUID) error {
	identity := access.IdentityFromContext(ctx)
	if err := validateClassName(className, identity); err != nil {
		return err
	}
	if !b.checker.AuthorizeClass(identity, className, core.OperationDelete) {
		return core.Errorf(core.KindForbidden, "delete on class %s denied", className)
	}
	current, err := b.driver.Get(ctx, className, id)
	if err != nil {
		return err
	}
	if !b.checker.AuthorizeObject(identity, current, core.OperationDelete) {
		return core.Errorf(core.KindForbidden, "delete of %s/%s denied", className, id)
	}

	hookContext := hooks.Context{Event: hooks.EventDelete, Class: className, Identity: identity, Object: current.Clone(), Before: current}
	if err := b.Hooks.InvokeBefore(ctx, &hookContext); err != nil {
		return err
	}
	last, err := b.driver.Delete(ctx, className, id)
	if err != nil {
		return err
	}
	b.feed.Publish(ctx, store.ChangeEvent{Class: className, Kind: core.EventDelete, Before: last})
	logger.FromContext(ctx).Debugf("deleted %s/%s", className, id)
	return nil
}

// Find evaluates the query and returns the matching objects the identity
// may read. Sub-queries resolve against classes the identity may find in.
func (b *Backend) Find(ctx context.Context, q *query.Query) ([]*core.Object, error) {
	identity := access.IdentityFromContext(ctx)
	if err := validateClassName(q.Class, identity); err != nil {
		return nil, err
	}
	resolved, err := q.ResolveSubQueries(ctx, b.authorizedFind(identity))
	if err != nil {
		return nil, err
	}
	return b.authorizedFind(identity)(ctx, resolved)
}

func (b *Backend) authorizedFind(identity access.Identity) query.FindFunc {
	return func(ctx context.Context, q *query.Query) ([]*core.Object, error) {
		if !b.checker.AuthorizeClass(identity, q.Class, core.OperationFind) {
			return nil, core.Errorf(core.KindForbidden, "find on class %s denied", q.Class)
		}
		// the page window applies to the readable result set, so the
		// driver returns the full ordered match set and skip/limit cut
		// it after the acl filter
		unpaged := *q
		unpaged.Skip = 0
		unpaged.Limit = 0
		objects, err := b.driver.Find(ctx, &unpaged)
		if err != nil {
			return nil, err
		}
		readable := objects[:0]
		for _, object := range objects {
			if b.checker.AuthorizeObject(identity, object, core.OperationGet) {
				readable = append(readable, object)
			}
		}
		return query.Page(readable, q.Skip, q.Limit), nil
	}
}

// SignUp creates a user account.
func (b *Backend) SignUp(ctx context.Context, username, password string, roles []string) (*core.Object, error) {
	identity := access.IdentityFromContext(ctx)
	// only the master identity may assign roles at sign-up
	if len(roles) > 0 && !identity.Master {
		return nil, core.Errorf(core.KindForbidden, "role assignment requires master access")
	}
	return b.Sessions.SignUp(ctx, username, password, roles)
}

// Login verifies the credentials and issues a session. Before-login hooks
// can veto the login; after-login hooks observe the issued session's user.
func (b *Backend) Login(ctx context.Context, username, password string) (session.Session, error) {
	hookContext := hooks.Context{
		Event: hooks.EventLogin,
		Class: core.ReservedClassUser,
		Object: &core.Object{
			Class:  core.ReservedClassUser,
			Fields: map[string]interface{}{"username": username},
		},
	}
	if err := b.Hooks.InvokeBefore(ctx, &hookContext); err != nil {
		return session.Session{}, err
	}
	issued, err := b.Sessions.Login(ctx, username, password)
	if err != nil {
		return session.Session{}, err
	}
	hookContext.Identity = issued.Identity
	b.Hooks.InvokeAfter(ctx, hookContext)
	return issued, nil
}

// Logout revokes the session.
func (b *Backend) Logout(ctx context.Context, token string) error {
	return b.Sessions.Logout(ctx, token)
}

// Subscribe opens a live query subscription for the identity in the
// context. The class must be findable by that identity.
func (b *Backend) Subscribe(ctx context.Context, q *query.Query, channel livequery.Channel) (*livequery.Subscription, error) {
	identity := access.IdentityFromContext(ctx)
	if err := validateClassName(q.Class, identity); err != nil {
		return nil, err
	}
	if !b.checker.AuthorizeClass(identity, q.Class, core.OperationFind) {
		return nil, core.Errorf(core.KindForbidden, "subscription on class %s denied", q.Class)
	}
	return b.Hub.Subscribe(identity, q, channel)
}

// Unsubscribe closes the subscription.
func (b *Backend) Unsubscribe(subscription *livequery.Subscription) {
	b.Hub.Unsubscribe(subscription)
}

// reserved classes are only accessible with master access; the session
// machinery uses them internally
func validateClassName(className string, identity access.Identity) error {
	if className == "" {
		return core.Errorf(core.KindValidation, "empty class name")
	}
	if core.IsReservedClass(className) && !identity.Master {
		return core.Errorf(core.KindForbidden, "class %s is reserved", className)
	}
	return nil
}
