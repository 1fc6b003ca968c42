/*Package session implements login and the session/identity resolver.

Users live in the reserved _User class, sessions in _Session; both are
stored through the regular store driver. A session freezes the user's role
memberships at login time; later role changes are not reflected in already
issued sessions. Expired sessions are rejected on use, never eagerly swept.
*/
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/strata-dev/strata/core"
	"github.com/strata-dev/strata/core/access"
	"github.com/strata-dev/strata/core/logger"
	"github.com/strata-dev/strata/core/query"
	"github.com/strata-dev/strata/core/store"
)

// the session error kinds, for use with errors.Is
var (
	// ErrInvalid is returned for an unknown session token
	ErrInvalid = core.Errorf(core.KindAuth, "invalid session token")
	// ErrExpired is returned for a session past its expiry
	ErrExpired = core.Errorf(core.KindAuth, "session expired")
	// ErrCredentials is returned for a failed login
	ErrCredentials = core.Errorf(core.KindAuth, "invalid credentials")
)

// DefaultLifetime is the session lifetime used when none is configured
const DefaultLifetime = 14 * 24 * time.Hour

// tokenBytes is the entropy of a session token; the encoded token has a
// fixed length of 43 characters.
const tokenBytes = 32

const saltLength = 16

// Session is an issued session: the token plus its resolved identity and
// expiry.
type Session struct {
	Token     string          `json:"token"`
	UserID    uuid.UUID       `json:"user_id"`
	Roles     []string        `json:"roles,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
	Identity  access.Identity `json:"-"`
}

// Manager issues, resolves and revokes sessions.
type Manager struct {
	driver   store.Driver
	cache    *access.IdentityCache
	lifetime time.Duration
}

// NewManager creates a session manager on top of the store driver.
func NewManager(driver store.Driver, lifetime time.Duration) *Manager {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Manager{
		driver:   driver,
		cache:    access.NewIdentityCache(),
		lifetime: lifetime,
	}
}

// SignUp creates a new user with a hashed credential. The username must be
// unique.
func (m *Manager) SignUp(ctx context.Context, username, password string, roles []string) (*core.Object, error) {
	if username == "" || password == "" {
		return nil, core.Errorf(core.KindValidation, "username and password must not be empty")
	}
	existing, err := m.findUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, core.Errorf(core.KindValidation, "username %s is taken", username)
	}
	salt, err := randomString(saltLength)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "cannot generate salt")
	}
	roleValues := make([]interface{}, len(roles))
	for i, role := range roles {
		roleValues[i] = role
	}
	user := &core.Object{
		Class: core.ReservedClassUser,
		Fields: map[string]interface{}{
			"username":      username,
			"password_hash": hashSecret(password, salt),
			"salt":          salt,
			"roles":         roleValues,
		},
	}
	return m.driver.Create(ctx, user)
}

// Login verifies the credentials and issues a new session. The new token
// is cryptographically random and collision-checked against active
// sessions; the user's role memberships are resolved now and cached in the
// session for its whole lifetime.
func (m *Manager) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := m.findUser(ctx, username)
	if err != nil {
		return Session{}, err
	}
	if user == nil {
		return Session{}, ErrCredentials
	}
	salt, _ := user.Fields["salt"].(string)
	hash, _ := user.Fields["password_hash"].(string)
	if subtle.ConstantTimeCompare([]byte(hashSecret(password, salt)), []byte(hash)) != 1 {
		return Session{}, ErrCredentials
	}

	token, err := m.newToken(ctx)
	if err != nil {
		return Session{}, err
	}
	roles := stringSlice(user.Fields["roles"])
	expiresAt := time.Now().UTC().Add(m.lifetime)
	record := &core.Object{
		Class: core.ReservedClassSession,
		Fields: map[string]interface{}{
			"token":      token,
			"user_id":    user.ID.String(),
			"roles":      user.Fields["roles"],
			"expires_at": expiresAt.Format(time.RFC3339Nano),
		},
	}
	if _, err := m.driver.Create(ctx, record); err != nil {
		return Session{}, err
	}

	session := Session{
		Token:     token,
		UserID:    user.ID,
		Roles:     roles,
		ExpiresAt: expiresAt,
		Identity:  access.Identity{UserID: user.ID, Roles: roles},
	}
	m.cache.Write(token, session.Identity, expiresAt)
	logger.FromContext(ctx).Debugf("issued session for user %s", user.ID)
	return session, nil
}

// Resolve maps a session token to its identity. Unknown tokens yield
// ErrInvalid, expired sessions ErrExpired; the expiry check is lazy.
func (m *Manager) Resolve(ctx context.Context, token string) (access.Identity, error) {
	if token == "" {
		return access.Identity{}, ErrInvalid
	}
	if identity, ok := m.cache.Read(token); ok {
		return identity, nil
	}
	record, err := m.findSession(ctx, token)
	if err != nil {
		return access.Identity{}, err
	}
	if record == nil {
		return access.Identity{}, ErrInvalid
	}
	expiresAt, ok := parseTime(record.Fields["expires_at"])
	if !ok || time.Now().After(expiresAt) {
		return access.Identity{}, ErrExpired
	}
	userID, err := uuid.Parse(stringValue(record.Fields["user_id"]))
	if err != nil {
		return access.Identity{}, core.Wrap(core.KindInternal, err, "corrupt session record")
	}
	identity := access.Identity{UserID: userID, Roles: stringSlice(record.Fields["roles"])}
	m.cache.Write(token, identity, expiresAt)
	return identity, nil
}

// Logout revokes the session for the token. Unknown tokens are not an error.
func (m *Manager) Logout(ctx context.Context, token string) error {
	m.cache.Invalidate(token)
	record, err := m.findSession(ctx, token)
	if err != nil || record == nil {
		return err
	}
	_, err = m.driver.Delete(ctx, core.ReservedClassSession, record.ID)
	return err
}

func (m *Manager) findUser(ctx context.Context, username string) (*core.Object, error) {
	users, err := m.driver.Find(ctx, &query.Query{
		Class: core.ReservedClassUser,
		Where: query.Constraints{"username": username},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return users[0], nil
}

func (m *Manager) findSession(ctx context.Context, token string) (*core.Object, error) {
	sessions, err := m.driver.Find(ctx, &query.Query{
		Class: core.ReservedClassSession,
		Where: query.Constraints{"token": token},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return sessions[0], nil
}

// newToken draws a random token and verifies it does not collide with an
// active session.
func (m *Manager) newToken(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		token, err := randomString(tokenBytes)
		if err != nil {
			return "", core.Wrap(core.KindInternal, err, "cannot generate session token")
		}
		existing, err := m.findSession(ctx, token)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return token, nil
		}
	}
	return "", core.Errorf(core.KindInternal, "cannot generate collision-free session token")
}

func randomString(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// hashSecret returns the salted checksum of a secret. Only the checksum is
// ever stored.
func hashSecret(secret, salt string) string {
	sum := sha256.Sum256([]byte(salt + secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

func stringSlice(v interface{}) []string {
	values, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if s, ok := value.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func parseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
