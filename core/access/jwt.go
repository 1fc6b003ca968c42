package access

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/strata-dev/strata/core"
)

// serviceClaims are the claims of a strata service token
type serviceClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// IdentityFromJWT validates a signed service token and returns the identity
// it asserts together with the token's expiry time. Service tokens are
// HMAC-signed bearer tokens carrying a user id as subject and a list of
// roles; infrastructure services use them to act with elevated roles
// without a session. The expiry is zero when the token carries no exp
// claim.
func IdentityFromJWT(tokenString string, secret []byte) (Identity, time.Time, error) {
	claims := serviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, core.Errorf(core.KindAuth, "unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, time.Time{}, core.Wrap(core.KindAuth, err, "invalid service token")
	}
	identity := Identity{Roles: claims.Roles}
	if claims.Subject != "" {
		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			return Identity{}, time.Time{}, core.Wrap(core.KindAuth, err, "invalid subject in service token")
		}
		identity.UserID = userID
	}
	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return identity, expires, nil
}

// NewServiceToken issues a signed service token for the given identity,
// valid for the given lifetime.
func NewServiceToken(identity Identity, secret []byte, lifetime time.Duration) (string, error) {
	claims := serviceClaims{
		Roles: identity.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(lifetime)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	if identity.UserID != uuid.Nil {
		claims.Subject = identity.UserID.String()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// IdentityCache is an in-memory cache for resolved identities, keyed by the
// credential they were derived from. It reduces the number of database
// queries; without it the session resolver would have to look up the
// session for every single request.
type IdentityCache struct {
	mutex sync.RWMutex
	cache map[string]cachedIdentity
}

type cachedIdentity struct {
	identity Identity
	expires  time.Time
}

// NewIdentityCache creates a new identity cache
func NewIdentityCache() *IdentityCache {
	return &IdentityCache{cache: make(map[string]cachedIdentity)}
}

// Read returns a cached identity. The second return is false if the token
// is unknown or the cache entry has expired. This function is go-routine safe.
func (c *IdentityCache) Read(token string) (Identity, bool) {
	c.mutex.RLock()
	cached, ok := c.cache[token]
	c.mutex.RUnlock()
	if !ok || time.Now().After(cached.expires) {
		return Identity{}, false
	}
	return cached.identity, true
}

// Write stores an identity in the cache until the given expiry.
// This function is go-routine safe.
func (c *IdentityCache) Write(token string, identity Identity, expires time.Time) {
	c.mutex.Lock()
	c.cache[token] = cachedIdentity{identity: identity, expires: expires}
	c.mutex.Unlock()
}

// Invalidate removes a token from the cache, for example on logout.
func (c *IdentityCache) Invalidate(token string) {
	c.mutex.Lock()
	delete(c.cache, token)
	c.mutex.Unlock()
}
