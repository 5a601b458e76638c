package vectorstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("vectorstore: key not found")

	// ErrIndexSchemaConflict is returned by EnsureIndex when an index of the
	// same name exists with a different schema.
	ErrIndexSchemaConflict = errors.New("vectorstore: index schema conflict")

	// ErrUnavailable wraps every store failure other than a missing key.
	// Callers treat it as "cache layer unavailable" and degrade to a miss.
	ErrUnavailable = errors.New("vectorstore: store unavailable")
)

// FieldKind enumerates the non-vector field types an index can carry.
type FieldKind int

const (
	FieldText FieldKind = iota
	FieldTag
	FieldNumeric
)

// Field describes one indexed hash field.
type Field struct {
	Name string
	Kind FieldKind
}

// IndexSpec describes a vector index: one HNSW/cosine/float32 vector field
// plus auxiliary text, tag and numeric fields.
type IndexSpec struct {
	Name        string
	Prefix      string
	VectorField string
	Dim         int
	Fields      []Field
}

// Match is a single KNN result.
type Match struct {
	ID         string
	Distance   float64
	Similarity float64
	Fields     map[string]string
}

// Store is the capability surface of the vector-backed hash store. All
// writes are single-key; no operation spans multiple keys transactionally.
type Store interface {
	EnsureIndex(ctx context.Context, spec IndexSpec) error
	Upsert(ctx context.Context, prefix, id string, fields map[string]interface{}) error
	Get(ctx context.Context, prefix, id string) (map[string]string, error)
	KNN(ctx context.Context, index, vectorField string, vec []float32, k int, filter map[string]string) ([]Match, error)
	Delete(ctx context.Context, prefix, id string) error
	Scan(ctx context.Context, prefix string) ([]string, error)
	// Incr atomically increments a numeric hash field. Used for advisory
	// counters where concurrent lost updates are tolerated.
	Incr(ctx context.Context, prefix, id, field string, delta int64) error
}
