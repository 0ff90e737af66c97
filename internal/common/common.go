package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey       = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderCacheControl = "Cache-Control"
	HeaderPragma       = "Pragma"
	CacheNoCache       = "no-cache"
	ContentTypeJSON    = "application/json"
	ContentTypeSSE     = "text/event-stream"
)

// API paths
const (
	PathHealthz         = "/healthz"
	PathBatches         = "/v1/batches"
	PathTransformations = "/v1/transformations"
	PathRecordEvents    = "/v1/transformations/events"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 32
	SQLiteBusyTimeoutMS  = 5000
	DefaultRecentLimit   = 50
)

// MIME types
const (
	MimeImagePNG  = "image/png"
	MimeImageJPEG = "image/jpeg"
	MimeImageJPG  = "image/jpg"
	MimeImageWebP = "image/webp"
)

// Subdirectory names
const (
	UploadsDirName  = "uploads"
	PreviewsDirName = "previews"
	ArchiveDirName  = "archive"
)

// Attribution used when a batch is submitted without an authenticated user.
const (
	GuestUserID     = "guest"
	GuestAuthorName = "Guest"
)
