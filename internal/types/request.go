package types

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Priority levels carried in Request.Priority. The request queue does not
// read them.
const (
	PriorityHighest = 0
	PriorityHigh    = 1
	PriorityNormal  = 2
	PriorityLow     = 3
	PriorityLowest  = 4
)

// Request is the unit of work dispatched by the crawler. Its durable
// identity (ID, UniqueKey) lives in the request queue; the Request value
// itself is otherwise an immutable-plus-version record — callers that need
// to change it should Clone and let the queue's UpdateRequest persist a new
// version.
type Request struct {
	// ID is the stable identifier; NewRequest assigns a random UUID.
	ID string

	// UniqueKey deduplicates requests. NewRequest sets it to the canonical
	// form of URL; the queue uses it as given.
	UniqueKey string

	// URL is the target resource locator.
	URL string

	// Method is the HTTP method (GET, POST, ...). Defaults to GET.
	Method string

	// Headers are custom headers to send with the request.
	Headers http.Header

	// Payload is the request body for POST/PUT requests.
	Payload []byte

	// UserData is an opaque, application-defined mapping carried with the
	// request across retries and persistence.
	UserData map[string]any

	// RetryCount is monotonic, 0 at creation, incremented on each requeue.
	RetryCount int

	// ErrorMessages is the ordered sequence of per-attempt failure
	// descriptions.
	ErrorMessages []string

	// HandledAt is set once the request reaches a terminal state (success
	// or permanent failure). A non-nil HandledAt means the request is
	// terminal — do not re-enqueue it.
	HandledAt *time.Time

	// NoRetry forbids further attempts regardless of MaxRequestRetries.
	NoRetry bool

	// SkipNavigation is an advisory flag consumed by the request handler
	// (e.g. to skip a browser-driven full page load).
	SkipNavigation bool

	// Priority is carried with the request but not read by the queue: the
	// queue head is first-in first-out, with forefront requests prepended.
	Priority int

	// Depth, ParentURL, Tag, FetcherType are supplemental bookkeeping
	// fields a full crawling system carries alongside a request; they are
	// opaque to the CORE and only consumed by the reference fetcher/
	// router implementations.
	Depth       int
	ParentURL   string
	Tag         string
	FetcherType string

	// CreatedAt records when this value was constructed (not necessarily
	// when the queue accepted it).
	CreatedAt time.Time
}

// NewRequest creates a new Request with sensible defaults and a derived
// UniqueKey (the canonicalized URL) when the caller doesn't set one.
func NewRequest(rawURL string) (*Request, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}

	return &Request{
		ID:          uuid.NewString(),
		UniqueKey:   CanonicalizeURL(rawURL),
		URL:         rawURL,
		Method:      http.MethodGet,
		Headers:     make(http.Header),
		UserData:    make(map[string]any),
		Priority:    PriorityNormal,
		FetcherType: "http",
		CreatedAt:   time.Now(),
	}, nil
}

// Domain returns the hostname of the request URL, or "" if unparsable.
func (r *Request) Domain() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// IsHandled reports whether the request has reached a terminal state.
func (r *Request) IsHandled() bool {
	return r.HandledAt != nil
}

// MarkHandled sets HandledAt to now, making the request terminal.
func (r *Request) MarkHandled(now time.Time) {
	t := now
	r.HandledAt = &t
}

// AppendError records a failure description for the current attempt.
// len(ErrorMessages) tracks RetryCount or RetryCount+1: call AppendError
// before incrementing RetryCount for the attempt just concluded.
func (r *Request) AppendError(msg string) {
	r.ErrorMessages = append(r.ErrorMessages, msg)
}

// Clone creates a deep copy of the request, suitable as the basis for a new
// persisted version after an in-place mutation.
func (r *Request) Clone() *Request {
	clone := *r
	clone.Headers = r.Headers.Clone()
	clone.Payload = append([]byte(nil), r.Payload...)
	clone.ErrorMessages = append([]string(nil), r.ErrorMessages...)
	clone.UserData = make(map[string]any, len(r.UserData))
	for k, v := range r.UserData {
		clone.UserData[k] = v
	}
	if r.HandledAt != nil {
		t := *r.HandledAt
		clone.HandledAt = &t
	}
	return &clone
}
