package persistence

import (
	"slices"

	"github.com/paramcache/backend/internal/domain/parameter"
)

// Kind describes the hash table backing one entity kind
type Kind struct {
	// Table is the hash holding the entities, keyed by id
	Table string
	// Label names the kind in logs and metrics
	Label parameter.Kind
	// ExemptNames may be shared by several entities
	ExemptNames []string
}

// NamesTable is the hash mapping unique names to their owner id
func (k Kind) NamesTable() string {
	return k.Table + ":NAMES"
}

func (k Kind) isExempt(name string) bool {
	return slices.Contains(k.ExemptNames, name)
}

var (
	DocumentTypeKind = Kind{
		Table: parameter.TableDocumentType,
		Label: parameter.KindDocumentTypes,
	}
	SystemRateKind = Kind{
		Table: parameter.TableSystemRate,
		Label: parameter.KindSystemRates,
	}
	// Every declared holiday is its own SYSTEM_DATE entity
	SystemDateKind = Kind{
		Table:       parameter.TableSystemDate,
		Label:       parameter.KindSystemDates,
		ExemptNames: []string{string(parameter.DayTypeHoliday)},
	}
)
