package constant

const (
	// HeaderID is the request identifier header key.
	HeaderID = "X-Request-Id"
	// HeaderUserAgent is the HTTP User-Agent header key.
	HeaderUserAgent = "User-Agent"
	// HeaderIdempotencyKey carries the idempotency key of settlement requests
	// in both directions between engine and connector.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderContentType is the HTTP Content-Type header key.
	HeaderContentType = "Content-Type"
	// ContentTypeOctetStream is used for opaque peer messages.
	ContentTypeOctetStream = "application/octet-stream"
	// ContentTypeJSON is used for quantity bodies.
	ContentTypeJSON = "application/json"

	// LoggerDefaultSeparator separates the request id prefix from log messages.
	LoggerDefaultSeparator = " | "
	// DefaultErrorTitle is used when a fiber error carries no title.
	DefaultErrorTitle = "request_failed"
)
