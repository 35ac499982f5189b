package session

import (
	"errors"
	"log/slog"
	"net/http"

	lru "github.com/hashicorp/golang-lru"
)

const defaultCacheSize = 1024

// Resolver maps a request's session cookie to a username. Lookups are cached
// in memory; Logout drops the entry.
type Resolver struct {
	log    *slog.Logger
	store  *Store
	secret string
	cache  *lru.Cache
}

// NewResolver creates a resolver over store.
func NewResolver(log *slog.Logger, store *Store, secret string, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{log: log, store: store, secret: secret, cache: cache}, nil
}

// Resolve returns the username bound to the request's session. An empty
// username counts as unresolved.
func (r *Resolver) Resolve(req *http.Request) (string, bool) {
	cookie, err := req.Cookie(CookieName)
	if err != nil {
		return "", false
	}
	id, ok := Unsign(r.secret, cookie.Value)
	if !ok {
		r.log.Debug("session cookie signature mismatch")
		return "", false
	}

	if v, ok := r.cache.Get(id); ok {
		sess := v.(*Session)
		if r.store.now().Before(sess.ExpiresAt) {
			return sess.Username, sess.Username != ""
		}
		r.cache.Remove(id)
	}

	sess, err := r.store.Get(id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.log.Warn("session lookup failed", "err", err)
		}
		return "", false
	}
	r.cache.Add(id, sess)
	return sess.Username, sess.Username != ""
}

// Login creates a session for username and sets its cookie on w.
func (r *Resolver) Login(w http.ResponseWriter, username string) (*Session, error) {
	sess, err := r.store.Create(username)
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    Sign(r.secret, sess.ID),
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess, nil
}

// Logout ends the request's session and clears its cookie.
func (r *Resolver) Logout(w http.ResponseWriter, req *http.Request) error {
	if cookie, err := req.Cookie(CookieName); err == nil {
		if id, ok := Unsign(r.secret, cookie.Value); ok {
			r.cache.Remove(id)
			if err := r.store.Delete(id); err != nil {
				return err
			}
		}
	}
	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: "", Path: "/", MaxAge: -1})
	return nil
}
