package parameter

import (
	"strings"

	"github.com/paramcache/backend/internal/domain/shared"
)

// DocumentType is a document category with its expiration period (e.g. "3m", "12m", "1Y")
type DocumentType struct {
	ID         string `json:"id,omitempty" cbor:"id"`
	Name       string `json:"name" cbor:"name"`
	Expiration string `json:"expiration" cbor:"expiration"`
	Version    int    `json:"version" cbor:"version"`
}

// NewDocumentType creates an unsaved document type
func NewDocumentType(name, expiration string) DocumentType {
	return DocumentType{Name: name, Expiration: expiration}
}

func (d *DocumentType) GetID() string    { return d.ID }
func (d *DocumentType) SetID(id string)  { d.ID = id }
func (d *DocumentType) GetVersion() int  { return d.Version }
func (d *DocumentType) SetVersion(v int) { d.Version = v }
func (d *DocumentType) NameKey() string  { return d.Name }

// Validate requires both the name and the expiration
func (d *DocumentType) Validate() error {
	if strings.TrimSpace(d.Name) == "" || strings.TrimSpace(d.Expiration) == "" {
		return shared.NewDomainError(shared.CodeValidation,
			"Cannot be saved: document type name and expiration are required, but one or both is empty")
	}
	return nil
}

var _ shared.CachedEntity = (*DocumentType)(nil)
