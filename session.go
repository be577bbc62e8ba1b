package clearcms

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/google/uuid"
)

const cookieName = "clearcms_session"

var ErrSessionExpired = errors.New("session expired")

// Session is a visitor session, identified by a cookie. It expires after a
// period of inactivity.
type Session struct {
	manager *SessionManager
	token   string
	closed  chan struct{}
	pings   chan struct{}
	store   *memoryStore
}

func (s *Session) ping() {
	select {
	case s.pings <- struct{}{}:
	default:
		// a ping is already pending
	}
}

// Store returns the session values.
func (s *Session) Store() Store {
	return s.store
}

// Values returns a copy of the session values.
func (s *Session) Values() map[string]interface{} {
	return s.store.Values()
}

// Close destroys the session.
func (s *Session) Close() {
	select {
	case <-s.closed:
		// This space is intentionally left blank
	default:
		close(s.closed)
	}
}

// SessionManager keeps track of active sessions and prunes expired ones.
type SessionManager struct {
	key      *fernet.Key // nil if cookies aren't sealed
	duration time.Duration

	locker   sync.Mutex
	sessions map[string]*Session // protected by locker
}

func newSessionManager(key *fernet.Key, duration time.Duration) *SessionManager {
	return &SessionManager{
		key:      key,
		duration: duration,
		sessions: make(map[string]*Session),
	}
}

func (sm *SessionManager) Close() {
	sm.locker.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.locker.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (sm *SessionManager) get(token string) (*Session, error) {
	sm.locker.Lock()
	defer sm.locker.Unlock()

	session, ok := sm.sessions[token]
	if !ok {
		return nil, ErrSessionExpired
	}
	return session, nil
}

// Put creates a new session.
func (sm *SessionManager) Put() (*Session, error) {
	sm.locker.Lock()
	defer sm.locker.Unlock()

	var token string
	for {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		token = id.String()
		if _, ok := sm.sessions[token]; !ok {
			break
		}
	}

	s := &Session{
		manager: sm,
		token:   token,
		closed:  make(chan struct{}),
		pings:   make(chan struct{}, 1),
		store:   newMemoryStore(),
	}
	sm.sessions[token] = s

	go func() {
		timer := time.NewTimer(sm.duration)

		alive := true
		for alive {
			select {
			case <-s.pings:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(sm.duration)
			case <-timer.C:
				alive = false
			case <-s.closed:
				alive = false
			}
		}

		timer.Stop()

		sm.locker.Lock()
		delete(sm.sessions, token)
		sm.locker.Unlock()
	}()

	return s, nil
}

// cookieValue returns the cookie value identifying s. With a key, the token
// is sealed with fernet.
func (sm *SessionManager) cookieValue(s *Session) (string, error) {
	if sm.key == nil {
		return s.token, nil
	}
	b, err := fernet.EncryptAndSign([]byte(s.token), sm.key)
	if err != nil {
		return "", fmt.Errorf("failed to seal session token: %v", err)
	}
	return string(b), nil
}

// fromCookie returns the session identified by a cookie value. Cookies that
// can't be unsealed yield ErrSessionExpired.
func (sm *SessionManager) fromCookie(value string) (*Session, error) {
	token := value
	if sm.key != nil {
		b := fernet.VerifyAndDecrypt([]byte(value), -1, []*fernet.Key{sm.key})
		if b == nil {
			return nil, ErrSessionExpired
		}
		token = string(b)
	}
	return sm.get(token)
}

var aLongTimeAgo = time.Unix(233431200, 0)

// SetSession sets a cookie for the provided session. Passing a nil session
// unsets the cookie.
func (ctx *Context) SetSession(s *Session) error {
	cookie := http.Cookie{
		Name:     cookieName,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if s != nil {
		v, err := s.manager.cookieValue(s)
		if err != nil {
			return err
		}
		cookie.Value = v
	} else {
		cookie.Expires = aLongTimeAgo // unset the cookie
	}
	ctx.SetCookie(&cookie)
	ctx.Session = s
	return nil
}

// StartSession returns the session of the request, creating one if there is
// none yet. Sessions are only available when served by a Server.
func (ctx *Context) StartSession() (*Session, error) {
	if ctx.Session != nil {
		return ctx.Session, nil
	}
	if ctx.Server == nil {
		return nil, fmt.Errorf("sessions are unavailable outside of a server")
	}

	s, err := ctx.Server.Sessions.Put()
	if err != nil {
		return nil, err
	}
	if err := ctx.SetSession(s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
