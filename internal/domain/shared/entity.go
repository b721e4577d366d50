package shared

// CachedEntity is implemented (through a pointer receiver) by every value kept
// in a per-kind hash table.
type CachedEntity interface {
	GetID() string
	SetID(id string)
	GetVersion() int
	SetVersion(version int)
	// NameKey returns the value that must be unique within the entity kind
	NameKey() string
	// Validate checks mandatory fields before any store interaction
	Validate() error
}

// EntityPtr constrains a type parameter to a pointer to T that implements CachedEntity.
type EntityPtr[T any] interface {
	*T
	CachedEntity
}
