package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// ModelVersion represents a saved centroid model and how it scored
type ModelVersion struct {
	Version   string       `json:"version"`
	Path      string       `json:"path"`
	CreatedAt time.Time    `json:"created_at"`
	Metrics   ModelMetrics `json:"metrics"`
	IsActive  bool         `json:"is_active"`
}

// ModelMetrics contains the held-out test results of a model
type ModelMetrics struct {
	Accuracy        float64 `json:"accuracy"`
	Precision       float64 `json:"precision"`
	Recall          float64 `json:"recall"`
	F1Score         float64 `json:"f1_score"`
	TrainingSamples int     `json:"training_samples"`
	TestSamples     int     `json:"test_samples"`
}

// ModelManager tracks model versions in modelsDir/model_versions.json
type ModelManager struct {
	modelsDir    string
	versionsFile string
	versions     []ModelVersion
	currentModel *ModelVersion
}

// NewModelManager creates a new model manager
func NewModelManager(modelsDir string) (*ModelManager, error) {
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}

	mm := &ModelManager{
		modelsDir:    modelsDir,
		versionsFile: filepath.Join(modelsDir, "model_versions.json"),
	}

	// Load existing versions if available
	if err := mm.loadVersions(); err != nil {
		log.Warn().Err(err).Msg("Failed to load model versions, starting fresh")
		mm.versions = nil
	}

	return mm, nil
}

// SaveModel writes c under modelsDir, records it and makes it the active version.
func (mm *ModelManager) SaveModel(c *CentroidClassifier, metrics ModelMetrics) (ModelVersion, error) {
	model := c.Model()
	path := filepath.Join(mm.modelsDir, "centroid-"+model.Version+".json")
	if err := c.Save(path); err != nil {
		return ModelVersion{}, fmt.Errorf("save model: %w", err)
	}

	v := ModelVersion{
		Version:   model.Version,
		Path:      path,
		CreatedAt: model.TrainedAt,
		Metrics:   metrics,
	}
	mm.versions = append(mm.versions, v)

	// Newest first
	sort.SliceStable(mm.versions, func(i, j int) bool {
		return mm.versions[i].CreatedAt.After(mm.versions[j].CreatedAt)
	})

	if err := mm.ActivateVersion(v.Version); err != nil {
		return ModelVersion{}, err
	}
	log.Info().Str("version", v.Version).Str("path", path).Float64("f1", metrics.F1Score).Msg("model version saved")
	return *mm.currentModel, nil
}

// ActivateVersion activates a specific model version
func (mm *ModelManager) ActivateVersion(version string) error {
	found := -1
	for i := range mm.versions {
		mm.versions[i].IsActive = mm.versions[i].Version == version
		if mm.versions[i].IsActive {
			found = i
		}
	}
	if found < 0 {
		return fmt.Errorf("version %s not found", version)
	}
	mm.currentModel = &mm.versions[found]
	return mm.saveVersions()
}

// Rollback activates the version saved before the active one.
func (mm *ModelManager) Rollback() error {
	currentIdx := -1
	for i, v := range mm.versions {
		if v.IsActive {
			currentIdx = i
			break
		}
	}
	if currentIdx == -1 {
		return fmt.Errorf("no active version found")
	}
	if currentIdx+1 >= len(mm.versions) {
		return fmt.Errorf("no previous version available for rollback")
	}
	return mm.ActivateVersion(mm.versions[currentIdx+1].Version)
}

// GetCurrentVersion returns the currently active version, nil when none is.
func (mm *ModelManager) GetCurrentVersion() *ModelVersion {
	return mm.currentModel
}

// ListVersions returns all model versions, newest first
func (mm *ModelManager) ListVersions() []ModelVersion {
	return mm.versions
}

// LoadActive loads the active centroid model.
func (mm *ModelManager) LoadActive(metrics MetricsInterface) (*CentroidClassifier, error) {
	if mm.currentModel == nil {
		return nil, fmt.Errorf("no active model in %s", mm.modelsDir)
	}
	return LoadCentroid(mm.currentModel.Path, metrics)
}

func (mm *ModelManager) loadVersions() error {
	data, err := os.ReadFile(mm.versionsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := json.Unmarshal(data, &mm.versions); err != nil {
		return err
	}

	for i := range mm.versions {
		if mm.versions[i].IsActive {
			mm.currentModel = &mm.versions[i]
			break
		}
	}
	return nil
}

func (mm *ModelManager) saveVersions() error {
	data, err := json.MarshalIndent(mm.versions, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(mm.versionsFile, data, 0o600)
}
