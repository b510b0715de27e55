package pipeline

import (
	"fmt"
	"time"

	"github.com/urbanpulse/ingestion/domain/entity"
)

// Bus is the per-run key-value carrier threaded through all pipeline
// stages. It is created once per run from initial configuration,
// mutated additively by every stage, and discarded at run end. It has
// single-writer discipline: stages run strictly in sequence, so no
// locking is needed or provided.
type Bus struct {
	values map[string]any
}

// NewBus creates a bus seeded with the given initial values. A nil map
// is allowed.
func NewBus(initial map[string]any) *Bus {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &Bus{values: values}
}

// Set stores a value under key, overwriting any previous value.
func (b *Bus) Set(key string, value any) {
	b.values[key] = value
}

// Get returns the value stored under key, or *MissingKeyError.
func (b *Bus) Get(key string) (any, error) {
	v, ok := b.values[key]
	if !ok {
		return nil, &MissingKeyError{Key: key}
	}
	return v, nil
}

// Has reports whether key exists on the bus.
func (b *Bus) Has(key string) bool {
	_, ok := b.values[key]
	return ok
}

// String returns the string stored under key.
func (b *Bus) String(key string) (string, error) {
	v, err := b.Get(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", &KeyTypeError{Key: key, Want: "string", Got: fmt.Sprintf("%T", v)}
	}
	return s, nil
}

// Time returns the time.Time stored under key.
func (b *Bus) Time(key string) (time.Time, error) {
	v, err := b.Get(key)
	if err != nil {
		return time.Time{}, err
	}
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, &KeyTypeError{Key: key, Want: "time.Time", Got: fmt.Sprintf("%T", v)}
	}
	return t, nil
}

// Bytes returns the []byte stored under key.
func (b *Bus) Bytes(key string) ([]byte, error) {
	v, err := b.Get(key)
	if err != nil {
		return nil, err
	}
	raw, ok := v.([]byte)
	if !ok {
		return nil, &KeyTypeError{Key: key, Want: "[]byte", Got: fmt.Sprintf("%T", v)}
	}
	return raw, nil
}

// RawBatches returns the raw record sets stored under key.
func (b *Bus) RawBatches(key string) ([]entity.RawBatch, error) {
	v, err := b.Get(key)
	if err != nil {
		return nil, err
	}
	batches, ok := v.([]entity.RawBatch)
	if !ok {
		return nil, &KeyTypeError{Key: key, Want: "[]entity.RawBatch", Got: fmt.Sprintf("%T", v)}
	}
	return batches, nil
}

// Canonical returns the canonical batch stored under key.
func (b *Bus) Canonical(key string) (entity.CanonicalBatch, error) {
	v, err := b.Get(key)
	if err != nil {
		return entity.CanonicalBatch{}, err
	}
	batch, ok := v.(entity.CanonicalBatch)
	if !ok {
		return entity.CanonicalBatch{}, &KeyTypeError{Key: key, Want: "entity.CanonicalBatch", Got: fmt.Sprintf("%T", v)}
	}
	return batch, nil
}
