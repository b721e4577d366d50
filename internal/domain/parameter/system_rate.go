package parameter

import (
	"strings"

	"github.com/paramcache/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// SystemRate is a named system-wide rate (interest rate, exchange variable, ...)
type SystemRate struct {
	ID      string          `json:"id,omitempty" cbor:"id"`
	Name    string          `json:"name" cbor:"name"`
	Rate    decimal.Decimal `json:"rate" cbor:"rate" swaggertype:"string" example:"0.16"`
	Version int             `json:"version" cbor:"version"`
}

// NewSystemRate creates an unsaved system rate
func NewSystemRate(name string, rate decimal.Decimal) SystemRate {
	return SystemRate{Name: name, Rate: rate}
}

func (r *SystemRate) GetID() string    { return r.ID }
func (r *SystemRate) SetID(id string)  { r.ID = id }
func (r *SystemRate) GetVersion() int  { return r.Version }
func (r *SystemRate) SetVersion(v int) { r.Version = v }
func (r *SystemRate) NameKey() string  { return r.Name }

// Validate requires a name and a non-zero rate
func (r *SystemRate) Validate() error {
	if strings.TrimSpace(r.Name) == "" || r.Rate.IsZero() {
		return shared.NewDomainError(shared.CodeValidation,
			"Cannot be saved: rate name and rate value are required, but one or both is empty")
	}
	return nil
}

var _ shared.CachedEntity = (*SystemRate)(nil)
