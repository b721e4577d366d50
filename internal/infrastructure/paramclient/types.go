package paramclient

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/shopspring/decimal"
)

// GraphQL documents sent to the parameter service
const (
	querySystemRate = `query getSystemRate($input: String!) {
  systemRate(name: $input) { id name rate }
}`
	queryAllSystemDates = `query allSystemDates {
  systemDates { id name day }
}`
	queryAllDocumentTypes = `query allDocumentTypes {
  documentTypes { id name expiration }
}`
)

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string   `json:"message"`
	Path    []string `json:"path,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

func (r graphqlResponse) err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
}

type systemRateData struct {
	SystemRate *wireSystemRate `json:"systemRate"`
}

type systemDatesData struct {
	SystemDates []wireSystemDate `json:"systemDates"`
}

type documentTypesData struct {
	DocumentTypes []wireDocumentType `json:"documentTypes"`
}

// The parameter service's own ids and versions are not carried over: the
// cache assigns its own on save.

type wireSystemRate struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Rate decimal.Decimal `json:"rate"`
}

func (w wireSystemRate) toDomain() parameter.SystemRate {
	return parameter.SystemRate{ID: w.ID, Name: w.Name, Rate: w.Rate}
}

type wireSystemDate struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Day  parameter.Date `json:"day"`
}

func (w wireSystemDate) toDomain() (parameter.SystemDate, error) {
	tag, ok := dayTypeOf(w.Name)
	if !ok {
		return parameter.SystemDate{}, fmt.Errorf("unknown day type %q", w.Name)
	}
	return parameter.SystemDate{ID: w.ID, Name: tag, Day: w.Day}, nil
}

type wireDocumentType struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Expiration string `json:"expiration"`
}

func (w wireDocumentType) toDomain() parameter.DocumentType {
	return parameter.DocumentType{ID: w.ID, Name: w.Name, Expiration: w.Expiration}
}

// wireDayTypes maps the parameter service's day tags
var wireDayTypes = map[string]parameter.DayType{
	"HOY":       parameter.DayTypeToday,
	"MANANA":    parameter.DayTypeTomorrow,
	"AYER":      parameter.DayTypeYesterday,
	"REPROCESO": parameter.DayTypeReprocess,
	"FESTIVO":   parameter.DayTypeHoliday,
}

func dayTypeOf(name string) (parameter.DayType, bool) {
	if tag, ok := wireDayTypes[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return tag, true
	}
	return parameter.ParseDayType(name)
}
