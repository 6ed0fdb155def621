// Package collection binds a manifest, a vector segment, and (through the
// manager) a shared WAL under a single per-collection directory, matching
// the on-disk layout `<root>/<collection>/{metadata.json,vectors.bin}`.
package collection

import (
	"encoding/json"
	"os"
	"path/filepath"

	"vecengine/internal/common"
)

// DistanceMetric is the enum of supported similarity measures; all are
// monotone "smaller is closer".
type DistanceMetric string

const (
	Cosine    DistanceMetric = "cosine"
	Euclidean DistanceMetric = "euclidean"
	Dot       DistanceMetric = "dot"
	Manhattan DistanceMetric = "manhattan"
)

var validDistanceMetrics = []string{string(Cosine), string(Euclidean), string(Dot), string(Manhattan)}

func (m DistanceMetric) Valid() bool {
	return common.Contains(validDistanceMetrics, string(m))
}

// VectorType is reserved per the manifest's `vector_type` field; only
// float32 is implemented, the others are accepted for round-trip but
// rejected at use.
type VectorType string

const (
	Float32 VectorType = "float32"
	Float16 VectorType = "float16" // reserved, not implemented
	Int8    VectorType = "int8"    // reserved, not implemented
)

// IndexConfig carries the HNSW tunables fixed at collection creation time.
type IndexConfig struct {
	MaxConnections int `json:"max_connections"`
	EfConstruction int `json:"ef_construction"`
	EfSearch       int `json:"ef_search"`
	MaxLayer       int `json:"max_layer"`
}

func DefaultIndexConfig() IndexConfig {
	return IndexConfig{MaxConnections: 16, EfConstruction: 200, EfSearch: 50, MaxLayer: 16}
}

// QuantizationConfig is persisted and round-tripped but never interpreted:
// rebuild always reconstructs full-precision vectors from the segment (see
// DESIGN.md's Open Question decision on quantization).
type QuantizationConfig struct {
	Kind string `json:"kind,omitempty"`
}

// Manifest is the JSON document written atomically at `metadata.json`.
// Name, Dimension and DistanceMetric are immutable once the collection is
// created. Unknown is a bag for fields this version doesn't know about,
// carried through verbatim so future manifests round-trip ("unknown fields
// must be preserved on rewrite").
type Manifest struct {
	Name           string              `json:"name"`
	Dimension      int                 `json:"dimension"`
	DistanceMetric DistanceMetric      `json:"distance_metric"`
	VectorType     VectorType          `json:"vector_type"`
	IndexConfig    IndexConfig         `json:"index_config"`
	Quantization   *QuantizationConfig `json:"quantization,omitempty"`
	CreatedAt      common.Timestamp    `json:"created_at"`

	// CommittedSequence is the per-collection watermark advanced on every
	// fsync'd write; startup replay skips WAL entries at or below it.
	CommittedSequence uint64 `json:"committed_sequence"`

	Unknown map[string]json.RawMessage `json:"-"`
}

// Validate checks the manifest fields the spec constrains at creation time.
func (m *Manifest) Validate() error {
	if !common.ValidCollectionName(m.Name) {
		return common.NewError(common.ErrInvalidInput, "collection name must match [A-Za-z0-9_-]{1,255}")
	}
	if m.Dimension < 1 || m.Dimension > 65535 {
		return common.NewError(common.ErrInvalidInput, "dimension must be in 1..=65535")
	}
	if !m.DistanceMetric.Valid() {
		return common.NewError(common.ErrInvalidInput, "unknown distance_metric")
	}
	if m.VectorType == "" {
		m.VectorType = Float32
	}
	if m.VectorType != Float32 {
		return common.NewError(common.ErrInvalidInput, "only vector_type=float32 is implemented")
	}
	return nil
}

const manifestFile = "metadata.json"

// WriteManifest serializes m and writes it atomically (write to a .tmp
// sibling, then rename), preserving any fields this build doesn't know
// about.
func WriteManifest(dir string, m *Manifest) error {
	merged, err := marshalWithUnknown(m)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, manifestFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, merged, 0644); err != nil {
		return common.ErrIoError("collection: write manifest tmp", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return common.ErrIoError("collection: rename manifest", err)
	}
	return nil
}

// ReadManifest loads and parses metadata.json, preserving unrecognized
// top-level fields in m.Unknown.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, manifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.NewError(common.ErrNotFound, "collection: manifest missing")
		}
		return nil, common.ErrIoError("collection: read manifest", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, common.NewErrorWithCause(common.ErrStorageCorrupted, "collection: manifest is not valid JSON", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		known := map[string]bool{
			"name": true, "dimension": true, "distance_metric": true, "vector_type": true,
			"index_config": true, "quantization": true, "created_at": true, "committed_sequence": true,
		}
		m.Unknown = map[string]json.RawMessage{}
		for k, v := range raw {
			if !known[k] {
				m.Unknown[k] = v
			}
		}
	}
	return &m, nil
}

// marshalWithUnknown re-serializes m, re-injecting any fields carried in
// m.Unknown that the typed struct doesn't itself model.
func marshalWithUnknown(m *Manifest) ([]byte, error) {
	base, err := json.Marshal(m)
	if err != nil {
		return nil, common.NewErrorWithCause(common.ErrInternal, "collection: marshal manifest", err)
	}
	if len(m.Unknown) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Unknown {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
