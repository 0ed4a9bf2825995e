package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	firebase "github.com/isqad/firebase-auth-service/pkg/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/isqad/livelook-conf/internal/core"
)

type ctxKey string

const (
	// IdentityContextKey is used for extract the caller from request context
	IdentityContextKey ctxKey = "current_identity"

	guestSessionName = "_livelook_guest"
	verifyTimeout    = 5 * time.Second
)

// AuthFailFunc is function that is called when authentication failed
type AuthFailFunc func(w http.ResponseWriter, r *http.Request, err error)

// AuthHandler is optional handler for mocking in tests
type AuthHandler func(next http.Handler) http.Handler

var (
	xAuth             = http.CanonicalHeaderKey("X-Auth")
	ErrEmptyAuthToken = errors.New("empty auth token")
	errNoIdentity     = errors.New("can't get identity from request context")
)

// TokenVerifier turns an identity provider token into its uid
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

type firebaseVerifier struct {
	addr string
}

func (v *firebaseVerifier) Verify(ctx context.Context, token string) (string, error) {
	conn, err := grpc.DialContext(ctx, v.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	t, err := firebase.NewAuthClient(conn).Verify(ctx, &firebase.Token{Token: token})
	if err != nil {
		return "", err
	}

	return t.GetUserId(), nil
}

// Authenticator resolves the caller either from a firebase token in the X-Auth
// header or from the guest cookie
type Authenticator struct {
	Verifier     TokenVerifier
	AuthFailFunc AuthFailFunc
	StubHandler  AuthHandler

	users       core.UserStorer
	cookieStore sessions.Store
}

func NewAuthenticator(firebaseAddr string, users core.UserStorer, cookieStore sessions.Store) *Authenticator {
	return &Authenticator{
		Verifier:    &firebaseVerifier{addr: firebaseAddr},
		users:       users,
		cookieStore: cookieStore,
	}
}

// Middleware is a middleware that puts the caller identity into the request context
func (m *Authenticator) Middleware() AuthHandler {
	if m.StubHandler != nil {
		return m.StubHandler
	}

	return m.defaultMiddleware()
}

func (m *Authenticator) defaultMiddleware() AuthHandler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(xAuth)
			if token == "" {
				if guest := m.guestFromCookie(r); guest != nil {
					next.ServeHTTP(w, withIdentity(r, guest))
					return
				}
				m.authFailed(w, r, ErrEmptyAuthToken)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), verifyTimeout)
			defer cancel()

			uid, err := m.Verifier.Verify(ctx, token)
			if err != nil {
				m.authFailed(w, r, err)
				return
			}

			identity, err := m.users.FindByUID(r.Context(), uid)
			if err != nil {
				m.authFailed(w, r, err)
				return
			}

			next.ServeHTTP(w, withIdentity(r, identity))
		})
	}
}

func (m *Authenticator) guestFromCookie(r *http.Request) *core.Identity {
	if m.cookieStore == nil {
		return nil
	}

	session, err := m.cookieStore.Get(r, guestSessionName)
	if err != nil {
		return nil
	}

	id, _ := session.Values["id"].(string)
	name, _ := session.Values["name"].(string)
	if !core.IsGuestID(id) || name == "" {
		return nil
	}

	return &core.Identity{ID: id, DisplayName: name, Guest: true}
}

func (m *Authenticator) authFailed(w http.ResponseWriter, r *http.Request, err error) {
	if m.AuthFailFunc != nil {
		m.AuthFailFunc(w, r, err)
	} else {
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func withIdentity(r *http.Request, identity *core.Identity) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), IdentityContextKey, identity))
}

// identityFromRequest extracts the caller from request context
func identityFromRequest(r *http.Request) (*core.Identity, error) {
	identity, ok := r.Context().Value(IdentityContextKey).(*core.Identity)
	if !ok || identity == nil {
		return nil, errNoIdentity
	}

	return identity, nil
}
