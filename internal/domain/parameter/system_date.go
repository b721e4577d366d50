package parameter

import (
	"strings"

	"github.com/paramcache/backend/internal/domain/shared"
)

// DayType tags a system date
type DayType string

const (
	DayTypeToday     DayType = "TODAY"
	DayTypeTomorrow  DayType = "TOMORROW"
	DayTypeYesterday DayType = "YESTERDAY"
	DayTypeReprocess DayType = "REPROCESS"
	// DayTypeHoliday may repeat: every declared holiday is its own entity
	DayTypeHoliday DayType = "HOLIDAY"
)

// AllDayTypes lists the known day tags
var AllDayTypes = []DayType{DayTypeToday, DayTypeTomorrow, DayTypeYesterday, DayTypeReprocess, DayTypeHoliday}

// ParseDayType converts a tag name, case-insensitively
func ParseDayType(s string) (DayType, bool) {
	candidate := DayType(strings.ToUpper(strings.TrimSpace(s)))
	for _, dt := range AllDayTypes {
		if dt == candidate {
			return dt, true
		}
	}
	return "", false
}

// IsValid reports whether the tag is one of AllDayTypes
func (t DayType) IsValid() bool {
	_, ok := ParseDayType(string(t))
	return ok
}

// SystemDate is a tagged calendar date maintained by the parameter service
type SystemDate struct {
	ID      string  `json:"id,omitempty" cbor:"id"`
	Name    DayType `json:"name" cbor:"name"`
	Day     Date    `json:"day" cbor:"day" swaggertype:"string" format:"date" example:"2024-03-15"`
	Version int     `json:"version" cbor:"version"`
}

// NewSystemDate creates an unsaved system date
func NewSystemDate(name DayType, day Date) SystemDate {
	return SystemDate{Name: name, Day: day}
}

func (s *SystemDate) GetID() string    { return s.ID }
func (s *SystemDate) SetID(id string)  { s.ID = id }
func (s *SystemDate) GetVersion() int  { return s.Version }
func (s *SystemDate) SetVersion(v int) { s.Version = v }
func (s *SystemDate) NameKey() string  { return string(s.Name) }

// Validate requires a known day tag and a date
func (s *SystemDate) Validate() error {
	if !s.Name.IsValid() || s.Day.IsZero() {
		return shared.NewDomainError(shared.CodeValidation,
			"Cannot be saved: date type and date are required, but one or both is empty")
	}
	return nil
}

var _ shared.CachedEntity = (*SystemDate)(nil)
