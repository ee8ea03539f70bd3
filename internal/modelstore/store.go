// Package modelstore persists trained classifiers as versioned artifacts, one
// directory per tenant, each artifact paired with a YAML metadata sidecar.
package modelstore

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang-reconciliation-engine/internal/classifier"
	"golang-reconciliation-engine/internal/models"
	"golang-reconciliation-engine/pkg/errors"
	"golang-reconciliation-engine/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"
)

const (
	artifactPrefix    = "model_"
	artifactExtension = ".rcmf"
	sidecarExtension  = ".meta.yaml"
)

// Store is the artifact persistence contract used by training and inference.
type Store interface {
	Save(ctx context.Context, forest *classifier.Forest, meta models.TrainedModel) (string, error)
	Load(location string) (*classifier.Forest, error)
	Delete(location string) error
	ListArtifacts(tenantID string) ([]Artifact, error)
	Retain(tenantID string, keepLast int, protected ...string) ([]string, error)
}

// Artifact describes one stored model file
type Artifact struct {
	TenantID string
	Version  string
	Location string
	Size     int64
	ModTime  time.Time
	// Metadata is nil when the sidecar is missing or unreadable
	Metadata *models.TrainedModel
}

// FileStore keeps artifacts on the local filesystem
type FileStore struct {
	baseDir    string
	logger     logger.Logger
	maxRetries uint64
	// newBackOff is swapped in tests
	newBackOff func() backoff.BackOff
}

// NewFileStore creates a store rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string, log logger.Logger) (*FileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.ConfigurationError("ml.modelsBaseDir", baseDir, "must not be empty")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.ArtifactError(errors.CodeArtifactIO, baseDir, err)
	}

	return &FileStore{
		baseDir:    baseDir,
		logger:     logger.OrGlobal(log).WithComponent("modelstore"),
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
	}, nil
}

// BaseDir returns the artifact root
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

// Save encodes forest and writes it with its sidecar, retrying transient I/O
// failures. The returned location is the artifact path.
func (s *FileStore) Save(ctx context.Context, forest *classifier.Forest, meta models.TrainedModel) (string, error) {
	if meta.Version == "" {
		return "", errors.New(errors.CategoryArtifact, errors.CodeArtifactIO, "model version is required")
	}
	dir, err := s.tenantDir(meta.TenantID)
	if err != nil {
		return "", err
	}
	location := filepath.Join(dir, artifactPrefix+meta.Version+artifactExtension)

	var artifact bytes.Buffer
	if err := classifier.Encode(&artifact, forest); err != nil {
		return "", errors.ArtifactError(errors.CodeArtifactIO, location, err)
	}
	sidecar, err := yaml.Marshal(&meta)
	if err != nil {
		return "", errors.ArtifactError(errors.CodeArtifactIO, location, err)
	}

	attempt := 0
	write := func() error {
		attempt++
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		if err := writeFileAtomic(location, artifact.Bytes()); err != nil {
			return err
		}
		return writeFileAtomic(sidecarPath(location), sidecar)
	}
	notify := func(err error, wait time.Duration) {
		s.logger.WithError(err).WithFields(logger.Fields{
			"location": location,
			"attempt":  attempt,
			"retry_in": wait,
		}).Warn("Artifact write failed, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.maxRetries), ctx)
	if err := backoff.RetryNotify(write, policy, notify); err != nil {
		s.logger.WithError(err).WithField("location", location).Error("Failed to save model artifact")
		return "", errors.ArtifactError(errors.CodeArtifactIO, location, err)
	}

	s.logger.WithFields(logger.Fields{
		"tenant_id": meta.TenantID,
		"version":   meta.Version,
		"bytes":     artifact.Len(),
	}).Info("Saved model artifact")

	return location, nil
}

// Load reads and validates the artifact at location.
func (s *FileStore) Load(location string) (*classifier.Forest, error) {
	f, err := os.Open(location)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.ArtifactError(errors.CodeArtifactNotFound, location, err)
		}
		return nil, errors.ArtifactError(errors.CodeArtifactIO, location, err)
	}
	defer f.Close()

	forest, err := classifier.Decode(f)
	if err != nil {
		if stderrors.Is(err, classifier.ErrCorruptArtifact) || stderrors.Is(err, classifier.ErrUnsupportedSchema) {
			return nil, errors.ArtifactError(errors.CodeArtifactCorrupt, location, err)
		}
		return nil, errors.ArtifactError(errors.CodeArtifactIO, location, err)
	}
	if forest.NumFeatures != models.FeatureCount {
		return nil, errors.ArtifactError(errors.CodeArtifactCorrupt, location,
			fmt.Errorf("artifact has %d features, expected %d", forest.NumFeatures, models.FeatureCount))
	}

	return forest, nil
}

// LoadMetadata reads the sidecar of the artifact at location
func (s *FileStore) LoadMetadata(location string) (*models.TrainedModel, error) {
	data, err := os.ReadFile(sidecarPath(location))
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.ArtifactError(errors.CodeArtifactNotFound, sidecarPath(location), err)
		}
		return nil, errors.ArtifactError(errors.CodeArtifactIO, sidecarPath(location), err)
	}

	var meta models.TrainedModel
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, errors.ArtifactError(errors.CodeArtifactCorrupt, sidecarPath(location), err)
	}
	meta.ArtifactLocation = location
	return &meta, nil
}

// Delete removes an artifact and its sidecar. Missing files are ignored.
func (s *FileStore) Delete(location string) error {
	for _, path := range []string{location, sidecarPath(location)} {
		if err := os.Remove(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return errors.ArtifactError(errors.CodeArtifactIO, path, err)
		}
	}
	s.logger.WithField("location", location).Debug("Deleted model artifact")
	return nil
}

// ListArtifacts returns the tenant's artifacts, newest version first.
func (s *FileStore) ListArtifacts(tenantID string) ([]Artifact, error) {
	dir, err := s.tenantDir(tenantID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.ArtifactError(errors.CodeArtifactIO, dir, err)
	}

	var artifacts []Artifact
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, artifactPrefix) || !strings.HasSuffix(name, artifactExtension) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		location := filepath.Join(dir, name)
		artifact := Artifact{
			TenantID: tenantID,
			Version:  strings.TrimSuffix(strings.TrimPrefix(name, artifactPrefix), artifactExtension),
			Location: location,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		}
		if meta, err := s.LoadMetadata(location); err == nil {
			artifact.Metadata = meta
		}
		artifacts = append(artifacts, artifact)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Version > artifacts[j].Version
	})
	return artifacts, nil
}

// Retain keeps the newest keepLast artifacts of a tenant and deletes the rest.
// Locations in protected are never deleted. It returns the deleted locations.
func (s *FileStore) Retain(tenantID string, keepLast int, protected ...string) ([]string, error) {
	if keepLast < 1 {
		keepLast = 1
	}
	artifacts, err := s.ListArtifacts(tenantID)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(protected))
	for _, p := range protected {
		if p != "" {
			keep[filepath.Clean(p)] = true
		}
	}

	var deleted []string
	for i, artifact := range artifacts {
		if i < keepLast || keep[filepath.Clean(artifact.Location)] {
			continue
		}
		if err := s.Delete(artifact.Location); err != nil {
			return deleted, err
		}
		deleted = append(deleted, artifact.Location)
	}

	if len(deleted) > 0 {
		s.logger.WithFields(logger.Fields{
			"tenant_id": tenantID,
			"deleted":   len(deleted),
			"kept":      len(artifacts) - len(deleted),
		}).Info("Applied artifact retention")
	}
	return deleted, nil
}

func (s *FileStore) tenantDir(tenantID string) (string, error) {
	name, err := SanitizeTenantID(tenantID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, name), nil
}

// SanitizeTenantID maps a tenant id to a directory name. The mapping is
// path escaping with a leading dot escaped too, so distinct ids never share a
// directory and no id names a hidden or parent directory.
func SanitizeTenantID(tenantID string) (string, error) {
	if strings.TrimSpace(tenantID) == "" || tenantID == "." || tenantID == ".." {
		return "", errors.New(errors.CategoryArtifact, errors.CodeArtifactIO,
			fmt.Sprintf("invalid tenant id '%s'", tenantID))
	}

	name := url.PathEscape(tenantID)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name, nil
}

func sidecarPath(location string) string {
	return strings.TrimSuffix(location, artifactExtension) + sidecarExtension
}

// writeFileAtomic writes data next to path and renames it into place so
// readers never see a partial artifact.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
