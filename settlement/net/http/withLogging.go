package http

import (
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement"
	cn "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RequestInfo stores http access log data.
type RequestInfo struct {
	Method        string
	URI           string
	Referer       string
	RemoteAddress string
	Status        int
	Date          time.Time
	Duration      time.Duration
	UserAgent     string
	TraceID       string
	Protocol      string
	Size          int
}

// NewRequestInfo creates an instance of RequestInfo. Bodies are never logged:
// quantities and peer messages stay out of access logs.
func NewRequestInfo(c *fiber.Ctx) *RequestInfo {
	referer := "-"
	if c.Get("Referer") != "" {
		referer = c.Get("Referer")
	}

	return &RequestInfo{
		TraceID:       c.Get(cn.HeaderID),
		Method:        c.Method(),
		URI:           c.OriginalURL(),
		Referer:       referer,
		UserAgent:     c.Get(cn.HeaderUserAgent),
		RemoteAddress: c.IP(),
		Protocol:      c.Protocol(),
		Date:          time.Now().UTC(),
	}
}

// CLFString produces a log entry similar to Common Log Format (CLF).
// Ref: https://httpd.apache.org/docs/trunk/logs.html#common
func (r *RequestInfo) CLFString() string {
	return strings.Join([]string{
		r.RemoteAddress,
		"-",
		"-",
		r.Protocol,
		r.Date.Format("[02/Jan/2006:15:04:05 -0700]"),
		`"` + r.Method + " " + r.URI + `"`,
		strconv.Itoa(r.Status),
		strconv.Itoa(r.Size),
		r.Referer,
		r.UserAgent,
	}, " ")
}

// String implements fmt.Stringer.
func (r *RequestInfo) String() string {
	return r.CLFString()
}

// FinishRequestInfo records status, size and duration of the response.
func (r *RequestInfo) FinishRequestInfo(c *fiber.Ctx) {
	r.Duration = time.Now().UTC().Sub(r.Date)
	r.Status = c.Response().StatusCode()
	r.Size = len(c.Response().Body())
}

type logMiddleware struct {
	Logger log.Logger
}

// LogMiddlewareOption configures WithHTTPLogging.
type LogMiddlewareOption func(l *logMiddleware)

// WithCustomLogger sets the logger used for access logs and stored in the
// request context.
func WithCustomLogger(logger log.Logger) LogMiddlewareOption {
	return func(l *logMiddleware) {
		if logger != nil {
			l.Logger = logger
		}
	}
}

func buildOpts(opts ...LogMiddlewareOption) *logMiddleware {
	mid := &logMiddleware{Logger: log.NewNop()}

	for _, opt := range opts {
		opt(mid)
	}

	return mid
}

// WithHTTPLogging assigns a request id, stores a request-scoped logger in the
// user context and writes one CLF access line per request. /health is skipped.
func WithHTTPLogging(opts ...LogMiddlewareOption) fiber.Handler {
	mid := buildOpts(opts...)

	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" {
			return c.Next()
		}

		setRequestHeaderID(c)

		info := NewRequestInfo(c)

		logger := mid.Logger.
			With(log.String(cn.HeaderID, info.TraceID)).
			With(log.String("message_prefix", info.TraceID+cn.LoggerDefaultSeparator))

		c.SetUserContext(settlement.ContextWithLogger(c.UserContext(), logger))

		err := c.Next()

		info.FinishRequestInfo(c)
		logger.Log(c.UserContext(), log.LevelInfo, info.CLFString(),
			log.Any("duration_ms", info.Duration.Milliseconds()))

		return err
	}
}

func setRequestHeaderID(c *fiber.Ctx) {
	headerID := strings.TrimSpace(c.Get(cn.HeaderID))
	if headerID == "" {
		headerID = uuid.NewString()
		c.Request().Header.Set(cn.HeaderID, headerID)
	}

	c.Set(cn.HeaderID, headerID)
	c.SetUserContext(settlement.ContextWithHeaderID(c.UserContext(), headerID))
}
