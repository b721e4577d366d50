package persistence

import (
	"context"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/infrastructure/cache"
)

// DocumentTypeRepository stores document types in the DOCUMENT_TYPE hash
type DocumentTypeRepository struct {
	*HashRepository[parameter.DocumentType, *parameter.DocumentType]
}

// NewDocumentTypeRepository creates a DocumentTypeRepository
func NewDocumentTypeRepository(store cache.HashStore, opts ...Option) (*DocumentTypeRepository, error) {
	r, err := NewHashRepository[parameter.DocumentType](store, DocumentTypeKind, opts...)
	if err != nil {
		return nil, err
	}
	return &DocumentTypeRepository{HashRepository: r}, nil
}

// SystemRateRepository stores system rates in the SYSTEM_RATE hash
type SystemRateRepository struct {
	*HashRepository[parameter.SystemRate, *parameter.SystemRate]
}

// NewSystemRateRepository creates a SystemRateRepository
func NewSystemRateRepository(store cache.HashStore, opts ...Option) (*SystemRateRepository, error) {
	r, err := NewHashRepository[parameter.SystemRate](store, SystemRateKind, opts...)
	if err != nil {
		return nil, err
	}
	return &SystemRateRepository{HashRepository: r}, nil
}

// SystemDateRepository stores system dates in the SYSTEM_DATE hash. HOLIDAY
// may repeat; every other tag is unique.
type SystemDateRepository struct {
	*HashRepository[parameter.SystemDate, *parameter.SystemDate]
}

// NewSystemDateRepository creates a SystemDateRepository
func NewSystemDateRepository(store cache.HashStore, opts ...Option) (*SystemDateRepository, error) {
	r, err := NewHashRepository[parameter.SystemDate](store, SystemDateKind, opts...)
	if err != nil {
		return nil, err
	}
	return &SystemDateRepository{HashRepository: r}, nil
}

func (r *SystemDateRepository) FindByDayType(ctx context.Context, name parameter.DayType) (*parameter.SystemDate, error) {
	return r.FindByName(ctx, string(name))
}

func (r *SystemDateRepository) FindAllByDayType(ctx context.Context, name parameter.DayType) ([]parameter.SystemDate, error) {
	return r.FindAllMatching(ctx, func(d *parameter.SystemDate) bool { return d.Name == name })
}

// Repositories groups the per-kind repositories
type Repositories struct {
	DocumentTypes *DocumentTypeRepository
	SystemRates   *SystemRateRepository
	SystemDates   *SystemDateRepository
}

// NewRepositories creates one repository per kind on store
func NewRepositories(store cache.HashStore, opts ...Option) (*Repositories, error) {
	docs, err := NewDocumentTypeRepository(store, opts...)
	if err != nil {
		return nil, err
	}
	rates, err := NewSystemRateRepository(store, opts...)
	if err != nil {
		return nil, err
	}
	dates, err := NewSystemDateRepository(store, opts...)
	if err != nil {
		return nil, err
	}
	return &Repositories{DocumentTypes: docs, SystemRates: rates, SystemDates: dates}, nil
}

var (
	_ parameter.DocumentTypeRepository = (*DocumentTypeRepository)(nil)
	_ parameter.SystemRateRepository   = (*SystemRateRepository)(nil)
	_ parameter.SystemDateRepository   = (*SystemDateRepository)(nil)
)
