package backend

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/access"
	"github.com/strata-dev/strata/core/livequery"
	"github.com/strata-dev/strata/core/logger"
	"github.com/strata-dev/strata/core/query"
	"github.com/strata-dev/strata/core/store"
)

// the authentication headers
const (
	headerMasterKey    = "X-Master-Key"
	headerSessionToken = "X-Session-Token"
)

type createRequest struct {
	Fields map[string]interface{} `json:"fields"`
	ACL    core.ACL               `json:"acl,omitempty"`
}

type updateRequest struct {
	Set              map[string]interface{} `json:"set"`
	Unset            []string               `json:"unset,omitempty"`
	ACL              *core.ACL              `json:"acl,omitempty"`
	ExpectedRevision int                    `json:"expected_revision,omitempty"`
}

type credentialsRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Roles    []string `json:"roles,omitempty"`
}

// handleRoutes adds the rest routes for the object api, authentication and
// live queries
func (b *Backend) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("backend: handle routes")
	logger.AddRequestID(router)
	router.Use(b.identityMiddleware)

	router.HandleFunc("/classes/{class}", b.createWithAuth).Methods(http.MethodPost)
	router.HandleFunc("/classes/{class}", b.findWithAuth).Methods(http.MethodGet)
	router.HandleFunc("/classes/{class}/{object_id}", b.getWithAuth).Methods(http.MethodGet)
	router.HandleFunc("/classes/{class}/{object_id}", b.updateWithAuth).Methods(http.MethodPut)
	router.HandleFunc("/classes/{class}/{object_id}", b.deleteWithAuth).Methods(http.MethodDelete)

	router.HandleFunc("/signup", b.signUpRoute).Methods(http.MethodPost)
	router.HandleFunc("/login", b.loginRoute).Methods(http.MethodPost)
	router.HandleFunc("/logout", b.logoutRoute).Methods(http.MethodPost)

	router.Handle("/livequery", livequery.NewGateway(b.Hub, b.subscriptionIdentity))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
}

// identityMiddleware resolves the requesting identity from the master key
// header, a service token or a session token. Requests without credentials
// proceed anonymously.
func (b *Backend) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := b.resolveIdentity(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := access.ContextWithIdentity(r.Context(), identity)
		ctx, _ = logger.ContextWithLoggerIdentity(ctx, identity.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (b *Backend) resolveIdentity(r *http.Request) (access.Identity, error) {
	if key := r.Header.Get(headerMasterKey); key != "" {
		if b.masterKey == "" || key != b.masterKey {
			return access.Identity{}, core.Errorf(core.KindAuth, "invalid master key")
		}
		return access.Identity{Master: true}, nil
	}
	if authorization := r.Header.Get("Authorization"); strings.HasPrefix(authorization, "Bearer ") {
		if len(b.jwtSecret) == 0 {
			return access.Identity{}, core.Errorf(core.KindAuth, "service tokens are not enabled")
		}
		token := strings.TrimPrefix(authorization, "Bearer ")
		if identity, ok := b.jwtCache.Read(token); ok {
			return identity, nil
		}
		identity, expires, err := access.IdentityFromJWT(token, b.jwtSecret)
		if err != nil {
			return access.Identity{}, err
		}
		// the cache entry must not outlive the token
		cacheUntil := time.Now().Add(time.Minute)
		if !expires.IsZero() && expires.Before(cacheUntil) {
			cacheUntil = expires
		}
		b.jwtCache.Write(token, identity, cacheUntil)
		return identity, nil
	}
	if token := r.Header.Get(headerSessionToken); token != "" {
		return b.Sessions.Resolve(r.Context(), token)
	}
	return access.Identity{}, nil
}

// subscriptionIdentity authenticates the websocket handshake with the same
// headers as the rest api
func (b *Backend) subscriptionIdentity(r *http.Request) (access.Identity, error) {
	return b.resolveIdentity(r)
}

func (b *Backend) createWithAuth(w http.ResponseWriter, r *http.Request) {
	className := mux.Vars(r)["class"]
	var request createRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, r, core.Wrap(core.KindValidation, err, "malformed payload"))
		return
	}
	object, err := b.Create(r.Context(), className, request.Fields, request.ACL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, object)
}

func (b *Backend) getWithAuth(w http.ResponseWriter, r *http.Request) {
	className, id, err := objectParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	object, err := b.Get(r.Context(), className, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, object)
}

func (b *Backend) updateWithAuth(w http.ResponseWriter, r *http.Request) {
	className, id, err := objectParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var request updateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, r, core.Wrap(core.KindValidation, err, "malformed payload"))
		return
	}
	object, err := b.Update(r.Context(), className, id, store.Patch{
		Set:              request.Set,
		Unset:            request.Unset,
		ACL:              request.ACL,
		ExpectedRevision: request.ExpectedRevision,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, object)
}

func (b *Backend) deleteWithAuth(w http.ResponseWriter, r *http.Request) {
	className, id, err := objectParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := b.Delete(r.Context(), className, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// findWithAuth runs a query given as url parameters: where is a json
// constraint document, order a comma separated field list with '-' for
// descending, limit and skip are integers.
func (b *Backend) findWithAuth(w http.ResponseWriter, r *http.Request) {
	className := mux.Vars(r)["class"]
	q, err := queryFromRequest(className, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	objects, err := b.Find(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, objects)
}

func queryFromRequest(className string, r *http.Request) (*query.Query, error) {
	parameters := r.URL.Query()
	document := map[string]interface{}{}
	if where := parameters.Get("where"); where != "" {
		constraints := map[string]interface{}{}
		if err := json.Unmarshal([]byte(where), &constraints); err != nil {
			return nil, core.Wrap(core.KindValidation, err, "malformed where parameter")
		}
		document["where"] = constraints
	}
	if order := parameters.Get("order"); order != "" {
		document["order"] = strings.Split(order, ",")
	}
	for _, name := range []string{"limit", "skip"} {
		if value := parameters.Get(name); value != "" {
			number, err := strconv.Atoi(value)
			if err != nil || number < 0 {
				return nil, core.Errorf(core.KindValidation, "malformed %s parameter", name)
			}
			document[name] = number
		}
	}
	data, _ := json.Marshal(document)
	return query.Parse(className, data)
}

func (b *Backend) signUpRoute(w http.ResponseWriter, r *http.Request) {
	var request credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, r, core.Wrap(core.KindValidation, err, "malformed payload"))
		return
	}
	user, err := b.SignUp(r.Context(), request.Username, request.Password, request.Roles)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]interface{}{"user_id": user.ID})
}

func (b *Backend) loginRoute(w http.ResponseWriter, r *http.Request) {
	var request credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, r, core.Wrap(core.KindValidation, err, "malformed payload"))
		return
	}
	issued, err := b.Login(r.Context(), request.Username, request.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, issued)
}

func (b *Backend) logoutRoute(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(headerSessionToken)
	if token == "" {
		writeError(w, r, core.Errorf(core.KindValidation, "missing session token"))
		return
	}
	if err := b.Logout(r.Context(), token); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func objectParams(r *http.Request) (string, uuid.UUID, error) {
	vars := mux.Vars(r)
	id, err := uuid.Parse(vars["object_id"])
	if err != nil {
		return "", uuid.UUID{}, core.Errorf(core.KindValidation, "malformed object id")
	}
	return vars["class"], id, nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		writeError(w, r, core.Wrap(core.KindInternal, err, "cannot marshal response"))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).WithError(err).Errorln("internal error")
	}
	http.Error(w, err.Error(), status)
}

func statusForError(err error) int {
	var coreError *core.Error
	if !errors.As(err, &coreError) {
		return http.StatusInternalServerError
	}
	switch coreError.Kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindAuth:
		return http.StatusUnauthorized
	case core.KindForbidden:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict, core.KindSchemaConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
