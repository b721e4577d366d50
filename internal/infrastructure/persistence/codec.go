package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/paramcache/backend/internal/infrastructure/config"
)

// Codec serializes entities into hash field values
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec stores entities as JSON, readable with redis-cli
type JSONCodec struct{}

func (JSONCodec) Name() string { return config.CodecJSON }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CBORCodec stores entities as deterministic CBOR
type CBORCodec struct {
	em cbor.EncMode
	dm cbor.DecMode
}

// NewCBORCodec creates a new CBOR codec.
func NewCBORCodec() (*CBORCodec, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("create CBOR encoder: %w", err)
	}

	dm, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthAllowed,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("create CBOR decoder: %w", err)
	}

	return &CBORCodec{em: em, dm: dm}, nil
}

func (c *CBORCodec) Name() string { return config.CodecCBOR }

func (c *CBORCodec) Marshal(v any) ([]byte, error) { return c.em.Marshal(v) }

func (c *CBORCodec) Unmarshal(data []byte, v any) error { return c.dm.Unmarshal(data, v) }

// NewCodec returns the codec registered under name
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", config.CodecJSON:
		return JSONCodec{}, nil
	case config.CodecCBOR:
		return NewCBORCodec()
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
