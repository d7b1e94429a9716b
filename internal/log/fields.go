package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldProxyID   = "proxy_id"
	FieldItemID    = "item_id"
	FieldTrackID   = "track_id"
	FieldSegment   = "segment"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Media fields
	FieldMediaType = "media_type"

	// Path / URL fields
	FieldPath     = "path"
	FieldTarget   = "target"
	FieldCacheDir = "cache_dir"
)
