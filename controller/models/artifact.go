package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/workload-advisor/controller/types"
)

const artifactSuffix = ".model.zst"

// Artifact is the persisted form of a trained model: metadata plus an opaque payload
type Artifact struct {
	Name         string             `json:"name"`
	Family       string             `json:"family"`
	Version      string             `json:"version"`
	FeatureNames []string           `json:"feature_names"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	TrainedAt    time.Time          `json:"trained_at"`
	Payload      json.RawMessage    `json:"payload"`
}

// Persistable is a model that can be written to and restored from an artifact
type Persistable interface {
	Name() string
	Snapshot() (*Artifact, error)
	Restore(a *Artifact) error
}

// ArtifactStore keeps versioned, zstd-compressed model artifacts in one directory
type ArtifactStore struct {
	dir     string
	version string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewArtifactStore creates the directory if needed
func NewArtifactStore(dir, version string) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &ArtifactStore{dir: dir, version: version, encoder: encoder, decoder: decoder}, nil
}

// Path returns the file holding the named model at the store's version
func (s *ArtifactStore) Path(name string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s%s", name, s.version, artifactSuffix))
}

// Save writes the artifact atomically, stamping the store version
func (s *ArtifactStore) Save(a *Artifact) error {
	a.Version = s.version
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", a.Name, err)
	}

	path := s.Path(a.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, s.encoder.EncodeAll(raw, nil), 0o644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", a.Name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move artifact %s into place: %w", a.Name, err)
	}
	return nil
}

// Load reads the named artifact. A missing file wraps types.ErrNotFound.
func (s *ArtifactStore) Load(name string) (*Artifact, error) {
	compressed, err := os.ReadFile(s.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("artifact %s version %s: %w", name, s.version, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}

	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress artifact %s: %w", name, err)
	}

	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", name, err)
	}
	return &a, nil
}

// SaveModel snapshots and writes a model
func (s *ArtifactStore) SaveModel(m Persistable) error {
	a, err := m.Snapshot()
	if err != nil {
		return err
	}
	return s.Save(a)
}

// LoadModel restores a model from its artifact
func (s *ArtifactStore) LoadModel(m Persistable) error {
	a, err := s.Load(m.Name())
	if err != nil {
		return err
	}
	return m.Restore(a)
}

// Close releases the codec resources
func (s *ArtifactStore) Close() {
	s.encoder.Close()
	s.decoder.Close()
}
