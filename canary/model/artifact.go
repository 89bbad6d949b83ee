package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/canary-tuner/canary-tuner/canary"
)

// SchemaVersion is the artifact envelope layout this build reads and writes.
const SchemaVersion = 1

// ErrIncompatibleArtifact marks an artifact this build must not predict with:
// wrong schema, different feature layout, unknown algorithm or corrupt payload.
var ErrIncompatibleArtifact = fmt.Errorf("incompatible model artifact: %w", canary.ErrPersistence)

// artifact is the on-disk envelope of a Model.
type artifact struct {
	SchemaVersion int             `json:"schema_version"`
	Algorithm     string          `json:"algorithm"`
	Version       uint64          `json:"version"`
	TrainedAt     time.Time       `json:"trained_at"`
	Records       int             `json:"records"`
	Features      []string        `json:"features"`
	Checksum      string          `json:"checksum"`
	Payload       json.RawMessage `json:"payload"`
}

// Encode serializes m into a self-describing artifact and records its checksum on m.
func Encode(m *Model) ([]byte, error) {
	if !m.Trained() {
		return nil, fmt.Errorf("encoding model: %w", canary.ErrModelUnavailable)
	}
	payload, err := json.Marshal(m.regressor)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", m.Algorithm, err)
	}
	sum, err := checksum(payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(artifact{
		SchemaVersion: SchemaVersion,
		Algorithm:     m.Algorithm,
		Version:       m.Version,
		TrainedAt:     m.TrainedAt,
		Records:       m.Records,
		Features:      canary.FeatureNames,
		Checksum:      sum,
		Payload:       payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding artifact: %w", err)
	}
	m.Checksum = sum
	return data, nil
}

// Decode restores a Model from an artifact, failing fast with
// ErrIncompatibleArtifact rather than returning a model that would predict
// from mismatched inputs.
func Decode(data []byte) (*Model, error) {
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatibleArtifact, err)
	}
	if a.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, want %d", ErrIncompatibleArtifact, a.SchemaVersion, SchemaVersion)
	}
	if !slices.Equal(a.Features, canary.FeatureNames) {
		return nil, fmt.Errorf("%w: features %v, want %v", ErrIncompatibleArtifact, a.Features, canary.FeatureNames)
	}
	sum, err := checksum(a.Payload)
	if err != nil || sum != a.Checksum {
		return nil, fmt.Errorf("%w: payload checksum mismatch", ErrIncompatibleArtifact)
	}
	reg, err := decodeRegressor(a.Algorithm, a.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatibleArtifact, err)
	}
	return &Model{
		Version:   a.Version,
		Algorithm: a.Algorithm,
		TrainedAt: a.TrainedAt,
		Records:   a.Records,
		Checksum:  a.Checksum,
		regressor: reg,
	}, nil
}

// checksum hashes the compacted payload so formatting never affects it.
func checksum(payload []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return "", fmt.Errorf("%w: compacting payload: %v", ErrIncompatibleArtifact, err)
	}
	h := sha256.Sum256(buf.Bytes())
	return "sha256:" + hex.EncodeToString(h[:]), nil
}
