package parameter

import "context"

// ParamClient reads parameters from the upstream parameter service, the source
// of truth behind the cache. Transport failures are reported wrapping
// shared.ErrUpstreamUnavailable.
type ParamClient interface {
	// FetchSystemRate returns the named rate, or nil when the service does not know it
	FetchSystemRate(ctx context.Context, name string) (*SystemRate, error)
	// FetchAllSystemDates returns every system date, holidays included
	FetchAllSystemDates(ctx context.Context) ([]SystemDate, error)
	// FetchAllDocumentTypes returns the whole document type catalog
	FetchAllDocumentTypes(ctx context.Context) ([]DocumentType, error)
}
