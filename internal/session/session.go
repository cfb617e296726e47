// Package session implements the identity handle (Session) and bounded
// rotation pool (Pool) that the crawler dispatch loop borrows sessions from.
// Cookie semantics are delegated to net/http/cookiejar, the same stdlib
// type fetcher.SessionManager wraps directly elsewhere in this module.
package session

import (
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crawlkit/crawlkit/internal/eventbus"
)

// Options configures a freshly constructed Session.
type Options struct {
	MaxUsageCount       int
	MaxErrorScore       float64
	ErrorScoreDecrement float64
	MaxAgeSecs          int
}

func (o *Options) setDefaults() {
	if o.MaxUsageCount == 0 {
		o.MaxUsageCount = 50
	}
	if o.MaxErrorScore == 0 {
		o.MaxErrorScore = 3
	}
	if o.ErrorScoreDecrement == 0 {
		o.ErrorScoreDecrement = 0.5
	}
	if o.MaxAgeSecs == 0 {
		o.MaxAgeSecs = 3000
	}
}

// Session is an identity handle shared across multiple requests: cookies,
// usage/error scoring, and a TTL.
type Session struct {
	mu sync.Mutex

	id            string
	createdAt     time.Time
	expiresAt     time.Time
	usageCount    int
	maxUsageCount int

	errorScore          float64
	maxErrorScore       float64
	errorScoreDecrement float64

	jar        *cookiejar.Jar
	cookieURLs map[string]*url.URL // origin -> a URL observed for it, for jar enumeration at persist time
	userData   map[string]any

	retired bool

	bus *eventbus.Bus
}

func newSession(opts Options, bus *eventbus.Bus) *Session {
	opts.setDefaults()
	jar, _ := cookiejar.New(nil)
	now := time.Now()
	return &Session{
		id:                  uuid.NewString(),
		createdAt:           now,
		expiresAt:           now.Add(time.Duration(opts.MaxAgeSecs) * time.Second),
		maxUsageCount:       opts.MaxUsageCount,
		maxErrorScore:       opts.MaxErrorScore,
		errorScoreDecrement: opts.ErrorScoreDecrement,
		jar:                 jar,
		cookieURLs:          make(map[string]*url.URL),
		userData:            make(map[string]any),
		bus:                 bus,
	}
}

// ID returns the session's random identifier.
func (s *Session) ID() string { return s.id }

// UsageCount returns how many times MarkGood/MarkBad has been called.
func (s *Session) UsageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageCount
}

// ErrorScore returns the session's current error score.
func (s *Session) ErrorScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorScore
}

// IsExpired reports whether the session has outlived its TTL.
func (s *Session) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !time.Now().Before(s.expiresAt)
}

// IsBlocked reports whether the session's error score has reached the
// configured ceiling.
func (s *Session) IsBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorScore >= s.maxErrorScore
}

// IsMaxUsageReached reports whether the session has been used as many
// times as allowed.
func (s *Session) IsMaxUsageReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageCount >= s.maxUsageCount
}

// IsUsable reports whether the session may still be assigned to a request.
func (s *Session) IsUsable() bool {
	return !s.IsExpired() && !s.IsBlocked() && !s.IsMaxUsageReached() && !s.isRetired()
}

func (s *Session) isRetired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

// MarkGood records a successful use: usageCount increments, errorScore
// decays toward zero. May trigger retirement if the session has now aged
// out or exhausted its usage budget.
func (s *Session) MarkGood() {
	s.mu.Lock()
	s.usageCount++
	s.errorScore -= s.errorScoreDecrement
	if s.errorScore < 0 {
		s.errorScore = 0
	}
	s.mu.Unlock()
	s.maybeRetire()
}

// MarkBad records a failed use: usageCount increments, errorScore grows.
// May trigger retirement if the session has now crossed the error ceiling.
func (s *Session) MarkBad() {
	s.mu.Lock()
	s.usageCount++
	s.errorScore++
	s.mu.Unlock()
	s.maybeRetire()
}

func (s *Session) maybeRetire() {
	if s.IsExpired() || s.IsBlocked() || s.IsMaxUsageReached() {
		s.Retire()
	}
}

// Retire permanently disables the session and notifies the owning pool via
// the event bus so it can be removed from rotation.
func (s *Session) Retire() {
	s.mu.Lock()
	if s.retired {
		s.mu.Unlock()
		return
	}
	s.retired = true
	bus := s.bus
	s.mu.Unlock()

	if bus != nil {
		bus.Emit(eventbus.EventSessionRetired, s.id)
	}
}

// RetireOnBlockedStatusCodes retires the session if statusCode is in the
// pool's blocked set (passed in as blocked, pre-merged with any per-call
// extras by the caller). Returns whether it retired.
func (s *Session) RetireOnBlockedStatusCodes(statusCode int, blocked map[int]struct{}) bool {
	if _, ok := blocked[statusCode]; !ok {
		return false
	}
	s.Retire()
	return true
}

// SetCookies installs cookies as if observed on a response from u.
func (s *Session) SetCookies(cookies []*http.Cookie, u *url.URL) {
	s.jar.SetCookies(u, cookies)
	s.rememberCookieOrigin(u)
}

// SetCookiesFromResponse extracts and installs Set-Cookie headers from resp,
// silently discarding any cookie line that fails to parse.
func (s *Session) SetCookiesFromResponse(resp *http.Response, u *url.URL) {
	var cookies []*http.Cookie
	for _, line := range resp.Header["Set-Cookie"] {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		cookies = append(cookies, c)
	}
	if len(cookies) > 0 {
		s.jar.SetCookies(u, cookies)
		s.rememberCookieOrigin(u)
	}
}

// rememberCookieOrigin records u's origin as one to re-query when the
// session's cookies are serialized, since cookiejar.Jar exposes no
// enumerate-all-cookies method — only Cookies(u) for a known URL.
func (s *Session) rememberCookieOrigin(u *url.URL) {
	if u == nil || u.Host == "" {
		return
	}
	origin := u.Scheme + "://" + u.Host
	s.mu.Lock()
	s.cookieURLs[origin] = u
	s.mu.Unlock()
}

// GetCookies returns the cookies applicable to u.
func (s *Session) GetCookies(u *url.URL) []*http.Cookie {
	return s.jar.Cookies(u)
}

// GetCookieString renders GetCookies as a single Cookie header value.
func (s *Session) GetCookieString(u *url.URL) string {
	cookies := s.GetCookies(u)
	req := &http.Request{Header: make(http.Header)}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return req.Header.Get("Cookie")
}

// DiffCookies returns the cookies present in next but absent (by name) from
// prior — the delta a redirect hop must apply to the session's jar.
func DiffCookies(prior, next []*http.Cookie) []*http.Cookie {
	seen := make(map[string]struct{}, len(prior))
	for _, c := range prior {
		seen[c.Name] = struct{}{}
	}
	var delta []*http.Cookie
	for _, c := range next {
		if _, ok := seen[c.Name]; !ok {
			delta = append(delta, c)
		}
	}
	return delta
}

// State is the serializable snapshot of a Session, used for SessionPool
// persistence.
type State struct {
	ID                  string    `json:"id"`
	CreatedAt           time.Time `json:"createdAt"`
	ExpiresAt           time.Time `json:"expiresAt"`
	UsageCount          int       `json:"usageCount"`
	MaxUsageCount       int       `json:"maxUsageCount"`
	ErrorScore          float64   `json:"errorScore"`
	MaxErrorScore       float64   `json:"maxErrorScore"`
	ErrorScoreDecrement float64   `json:"errorScoreDecrement"`
	CookiesJSON         []byte    `json:"cookiesJson,omitempty"`
}

// cookieOrigin is one jar.Cookies(u) enumeration, keyed by the origin URL
// SetCookies/SetCookiesFromResponse observed it under.
type cookieOrigin struct {
	URL     string         `json:"url"`
	Cookies []*http.Cookie `json:"cookies"`
}

// GetState returns a serializable snapshot of the session, including its
// cookies for every origin the session has seen a response from.
func (s *Session) GetState() State {
	s.mu.Lock()
	origins := make([]*url.URL, 0, len(s.cookieURLs))
	for _, u := range s.cookieURLs {
		origins = append(origins, u)
	}
	state := State{
		ID:                  s.id,
		CreatedAt:           s.createdAt,
		ExpiresAt:           s.expiresAt,
		UsageCount:          s.usageCount,
		MaxUsageCount:       s.maxUsageCount,
		ErrorScore:          s.errorScore,
		MaxErrorScore:       s.maxErrorScore,
		ErrorScoreDecrement: s.errorScoreDecrement,
	}
	s.mu.Unlock()

	var entries []cookieOrigin
	for _, u := range origins {
		cookies := s.jar.Cookies(u)
		if len(cookies) == 0 {
			continue
		}
		entries = append(entries, cookieOrigin{URL: u.String(), Cookies: cookies})
	}
	if len(entries) > 0 {
		if buf, err := json.Marshal(entries); err == nil {
			state.CookiesJSON = buf
		}
	}
	return state
}

// restoreSession reconstructs a Session from a previously persisted State,
// replaying its cookies back into a fresh jar per origin.
func restoreSession(state State, bus *eventbus.Bus) *Session {
	jar, _ := cookiejar.New(nil)
	cookieURLs := make(map[string]*url.URL)

	if len(state.CookiesJSON) > 0 {
		var entries []cookieOrigin
		if err := json.Unmarshal(state.CookiesJSON, &entries); err == nil {
			for _, e := range entries {
				u, err := url.Parse(e.URL)
				if err != nil || u.Host == "" {
					continue
				}
				jar.SetCookies(u, e.Cookies)
				cookieURLs[u.Scheme+"://"+u.Host] = u
			}
		}
	}

	return &Session{
		id:                  state.ID,
		createdAt:           state.CreatedAt,
		expiresAt:           state.ExpiresAt,
		usageCount:          state.UsageCount,
		maxUsageCount:       state.MaxUsageCount,
		errorScore:          state.ErrorScore,
		maxErrorScore:       state.MaxErrorScore,
		errorScoreDecrement: state.ErrorScoreDecrement,
		jar:                 jar,
		cookieURLs:          cookieURLs,
		userData:            make(map[string]any),
		bus:                 bus,
	}
}
