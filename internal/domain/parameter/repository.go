package parameter

import (
	"context"

	"github.com/paramcache/backend/internal/domain/shared"
)

// Table names, one hash per entity kind
const (
	TableDocumentType = "DOCUMENT_TYPE"
	TableSystemRate   = "SYSTEM_RATE"
	TableSystemDate   = "SYSTEM_DATE"
)

// DocumentTypeRepository stores cached document types
type DocumentTypeRepository interface {
	shared.CrudRepository[DocumentType]
}

// SystemRateRepository stores cached system rates
type SystemRateRepository interface {
	shared.CrudRepository[SystemRate]
}

// SystemDateRepository stores cached system dates
type SystemDateRepository interface {
	shared.CrudRepository[SystemDate]
	// FindByDayType returns the first date carrying the tag
	FindByDayType(ctx context.Context, name DayType) (*SystemDate, error)
	// FindAllByDayType returns every date carrying the tag (several for HOLIDAY)
	FindAllByDayType(ctx context.Context, name DayType) ([]SystemDate, error)
}
