package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"

	"tempshare/internal/config"
)

// AdminContextKey holds the authenticated admin username.
const AdminContextKey = "admin"

// Flash keys.
const (
	FlashSuccess = "success"
	FlashError   = "error"
)

// SessionManager keeps the anonymous browser session used for flashes and CSRF tokens.
type SessionManager struct {
	store       *sessions.CookieStore
	sessionName string
}

// NewSessionManager creates a new session manager.
func NewSessionManager(cfg *config.Config) *SessionManager {
	store := sessions.NewCookieStore([]byte(cfg.Security.SecretKey))

	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   cfg.Security.SessionMaxAge,
		HttpOnly: true,
		Secure:   strings.HasPrefix(cfg.Site.URL, "https://"),
		SameSite: http.SameSiteLaxMode,
	}

	return &SessionManager{
		store:       store,
		sessionName: cfg.Security.SessionName,
	}
}

// GetSession retrieves the current session.
func (sm *SessionManager) GetSession(c echo.Context) (*sessions.Session, error) {
	return sm.store.Get(c.Request(), sm.sessionName)
}

// SetFlash sets a flash message in the session.
func (sm *SessionManager) SetFlash(c echo.Context, key, message string) error {
	session, err := sm.GetSession(c)
	if err != nil {
		return err
	}

	session.AddFlash(message, key)
	return session.Save(c.Request(), c.Response())
}

// GetFlash retrieves and clears flash messages.
func (sm *SessionManager) GetFlash(c echo.Context, key string) []string {
	session, err := sm.GetSession(c)
	if err != nil {
		return nil
	}

	flashes := session.Flashes(key)
	if len(flashes) == 0 {
		return nil
	}
	session.Save(c.Request(), c.Response())

	messages := make([]string, 0, len(flashes))
	for _, f := range flashes {
		if msg, ok := f.(string); ok {
			messages = append(messages, msg)
		}
	}

	return messages
}

// SetAdmin marks the request as made by an authenticated admin.
func SetAdmin(c echo.Context, username string) {
	c.Set(AdminContextKey, username)
}

// GetAdmin returns the authenticated admin username, or "".
func GetAdmin(c echo.Context) string {
	name, _ := c.Get(AdminContextKey).(string)
	return name
}
