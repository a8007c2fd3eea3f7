package dual_scope_limiter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	_ http.Handler = &httpAdmissionHandler{}
	_ Extractor    = &httpHeaderExtractor{}
	_ Extractor    = &remoteAddrExtractor{}
	_ Extractor    = chainExtractor{}
)

const (
	rateLimitLimit     = "X-RateLimit-Limit"
	rateLimitRemaining = "X-RateLimit-Remaining"
	rateLimitReset     = "X-RateLimit-Reset"
	rateLimitScope     = "X-RateLimit-Scope"
	rateLimitDegraded  = "X-RateLimit-Degraded"
	retryAfter         = "Retry-After"
	requestID          = "X-Request-Id"
	forwardedFor       = "X-Forwarded-For"
)

var rejectionMessages = map[Scope]string{
	ScopeGlobal: "Global rate limit exceeded",
	ScopeClient: "Per-client rate limit exceeded",
}

// Extractor extracts the client identifier from an HTTP request.
type Extractor interface {
	Extract(r *http.Request) (string, error)
}

type httpHeaderExtractor struct {
	headers []string
}

// Extract extracts values from HTTP headers to build the key.
func (h *httpHeaderExtractor) Extract(r *http.Request) (string, error) {
	values := make([]string, 0, len(h.headers))

	for _, key := range h.headers {
		// every configured header has to be present
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			values = append(values, value)
		} else {
			return "", fmt.Errorf("header %v must have a value set", key)
		}
	}

	return strings.Join(values, "-"), nil
}

// NewHttpHeaderExtractor creates an Extractor joining the values of headers.
func NewHttpHeaderExtractor(headers ...string) Extractor {
	return &httpHeaderExtractor{headers: headers}
}

type remoteAddrExtractor struct {
	trustXFF bool
}

// Extract returns the caller network address. With trustXFF the first hop of
// X-Forwarded-For wins over RemoteAddr.
func (e *remoteAddrExtractor) Extract(r *http.Request) (string, error) {
	if e.trustXFF {
		if xff := r.Header.Get(forwardedFor); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip, nil
			}
		}
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host, nil
	}
	if addr != "" {
		return addr, nil
	}
	return "", errors.New("request has no remote address")
}

// NewRemoteAddrExtractor creates an Extractor keyed by the caller network address.
func NewRemoteAddrExtractor(trustXFF bool) Extractor {
	return &remoteAddrExtractor{trustXFF: trustXFF}
}

type chainExtractor []Extractor

func (c chainExtractor) Extract(r *http.Request) (string, error) {
	errs := make([]error, 0, len(c))
	for _, e := range c {
		key, err := e.Extract(r)
		if err == nil && key != "" {
			return key, nil
		}
		errs = append(errs, err)
	}
	return "", fmt.Errorf("no extractor produced a client id: %w", errors.Join(errs...))
}

// NewChainExtractor returns the first identifier produced by extractors, in order.
func NewChainExtractor(extractors ...Extractor) Extractor {
	return chainExtractor(extractors)
}

// FailurePolicy decides what happens to a request when the store cannot be reached.
type FailurePolicy int

const (
	// FailOpen admits the request and logs the failure.
	FailOpen FailurePolicy = iota
	// FailClosed rejects the request with 503 Service Unavailable.
	FailClosed
)

func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "closed"
	}
	return "open"
}

// ParseFailurePolicy parses "open" or "closed".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown failure policy %q", s)
	}
}

// AdmissionConfig holds configuration for the admission middleware.
type AdmissionConfig struct {
	Limiter       Checker
	Extractor     Extractor
	FailurePolicy FailurePolicy
	Logger        Logger
	// ErrorLogInterval is the minimum gap between two logged store failures.
	ErrorLogInterval time.Duration
}

// Admission applies limiter decisions to HTTP requests.
type Admission struct {
	limiter   Checker
	extractor Extractor
	policy    FailurePolicy
	logger    Logger
	errorLog  *rate.Limiter
}

// NewAdmission builds an Admission from config. The extractor defaults to the
// request remote address.
func NewAdmission(config *AdmissionConfig) *Admission {
	a := &Admission{
		limiter:   config.Limiter,
		extractor: config.Extractor,
		policy:    config.FailurePolicy,
		logger:    config.Logger,
	}
	if a.extractor == nil {
		a.extractor = NewRemoteAddrExtractor(false)
	}
	if a.logger == nil {
		a.logger = noopLogger{}
	}
	interval := config.ErrorLogInterval
	if interval <= 0 {
		interval = time.Second
	}
	a.errorLog = rate.NewLimiter(rate.Every(interval), 1)
	return a
}

// Admit evaluates r and writes the rate limit headers. When the request is rejected
// it also writes the response and returns false; the caller must not run any
// downstream handler in that case.
func (a *Admission) Admit(w http.ResponseWriter, r *http.Request) bool {
	reqID := strings.TrimSpace(r.Header.Get(requestID))
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(requestID, reqID)

	clientID, err := a.extractor.Extract(r)
	if err != nil {
		a.logger.Debugf("request %s: extracting client id: %v", reqID, err)
		writeResponse(w, http.StatusBadRequest, errorBody{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("failed to extract rate limiting key from request: %v", err),
		})
		return false
	}

	result, err := a.limiter.Check(r.Context(), clientID)
	if errors.Is(err, ErrEmptyClientID) {
		writeResponse(w, http.StatusBadRequest, errorBody{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
		})
		return false
	}
	if err != nil {
		return a.storeFailure(w, reqID, clientID, err)
	}

	setRateLimitHeaders(w.Header(), result)

	if result.Verdict == Deny {
		w.Header().Set(retryAfter, strconv.FormatInt(retryAfterSeconds(result.RetryAfter()), 10))
		a.logger.Debugf("request %s: client %q denied by %s bucket", reqID, clientID, result.Scope)
		writeResponse(w, http.StatusTooManyRequests, errorBody{
			Status:  http.StatusTooManyRequests,
			Scope:   string(result.Scope),
			Message: rejectionMessages[result.Scope],
		})
		return false
	}

	return true
}

func (a *Admission) storeFailure(w http.ResponseWriter, reqID, clientID string, err error) bool {
	if a.errorLog.Allow() {
		a.logger.Errorf("request %s: rate limiting client %q failed (fail-%s): %v", reqID, clientID, a.policy, err)
	}

	if a.policy == FailClosed {
		w.Header().Set(retryAfter, "1")
		writeResponse(w, http.StatusServiceUnavailable, errorBody{
			Status:  http.StatusServiceUnavailable,
			Message: "rate limiting is temporarily unavailable, retry later",
		})
		return false
	}

	w.Header().Set(rateLimitDegraded, "true")
	return true
}

type httpAdmissionHandler struct {
	handler   http.Handler
	admission *Admission
}

// NewHTTPAdmissionHandler wraps an existing http.Handler and performs admission
// control before forwarding the request to it.
func NewHTTPAdmissionHandler(originalHandler http.Handler, config *AdmissionConfig) http.Handler {
	return &httpAdmissionHandler{
		handler:   originalHandler,
		admission: NewAdmission(config),
	}
}

// Middleware is NewHTTPAdmissionHandler in middleware form.
func Middleware(config *AdmissionConfig) func(http.Handler) http.Handler {
	admission := NewAdmission(config)
	return func(next http.Handler) http.Handler {
		return &httpAdmissionHandler{handler: next, admission: admission}
	}
}

// ServeHTTP performs admission control and forwards the request if allowed.
func (h *httpAdmissionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.admission.Admit(w, r) {
		return
	}
	h.handler.ServeHTTP(w, r)
}

func setRateLimitHeaders(header http.Header, result *Result) {
	header.Set(rateLimitLimit, strconv.FormatInt(result.Limit, 10))
	header.Set(rateLimitRemaining, strconv.FormatInt(result.Remaining, 10))
	header.Set(rateLimitReset, strconv.FormatInt(ceilUnix(result.ResetAt), 10))
	header.Set(rateLimitScope, string(result.Scope))
}

func ceilUnix(t time.Time) int64 {
	if t.Nanosecond() == 0 {
		return t.Unix()
	}
	return t.Unix() + 1
}

func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64((d + time.Second - 1) / time.Second)
}

type errorBody struct {
	Status  int    `json:"status"`
	Scope   string `json:"scope,omitempty"`
	Message string `json:"message"`
}

func writeResponse(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		fmt.Printf("failed to write body to HTTP request: %v", err)
	}
}
