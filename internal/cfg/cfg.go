package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"memlearn/internal/common"
	"memlearn/internal/features"

	"gopkg.in/yaml.v3"
)

type Settings struct {
	DataPath  string
	TracePath string
	Datasets  []features.Source

	Buckets  int
	KeyStart int
	KeyWidth int
	Layout   string

	SliceSkip  int
	SliceMerge int

	WindowHeight  int
	WindowSkip    int
	BalanceTrain  bool
	TestDatasets  []string
	TrainDatasets []string
	BatchSize     int

	ModelURL     string
	ModelTimeout time.Duration
	ModelRetries int
	ModelsPath   string
	ModelPort    int

	FeedURL     string
	Ping        time.Duration
	MetricsPort int
}

type ConfigFile struct {
	Data struct {
		DataPath   string            `yaml:"dataPath"`
		TracePath  string            `yaml:"tracePath"`
		Datasets   []features.Source `yaml:"datasets"`
		SliceSkip  int               `yaml:"sliceSkip"`
		SliceMerge int               `yaml:"sliceMerge"`
	} `yaml:"data"`

	Vectorizer struct {
		Buckets  int    `yaml:"buckets"`
		KeyStart *int   `yaml:"keyStart"`
		KeyWidth int    `yaml:"keyWidth"`
		Layout   string `yaml:"layout"`
	} `yaml:"vectorizer"`

	Dataset struct {
		WindowHeight  int      `yaml:"windowHeight"`
		WindowSkip    int      `yaml:"windowSkip"`
		BalanceTrain  *bool    `yaml:"balanceTrain"`
		TestDatasets  []string `yaml:"testDatasets"`
		TrainDatasets []string `yaml:"trainDatasets"`
		BatchSize     int      `yaml:"batchSize"`
	} `yaml:"dataset"`

	Model struct {
		URL        string `yaml:"url"`
		Timeout    string `yaml:"timeout"`
		Retries    *int   `yaml:"retries"`
		ModelsPath string `yaml:"modelsPath"`
		Port       int    `yaml:"port"`
	} `yaml:"model"`

	Monitor struct {
		FeedURL      string `yaml:"feedURL"`
		PingInterval string `yaml:"pingInterval"`
		MetricsPort  int    `yaml:"metricsPort"`
	} `yaml:"monitor"`
}

// DefaultDatasets lists the recorded traces: clean kernels and kernels running
// one of several LKM rootkits.
func DefaultDatasets() []features.Source {
	return []features.Source{
		{Name: "adore", Label: 1},
		{Name: "adore0", Label: 1},
		{Name: "adore1", Label: 1},
		{Name: "adore2", Label: 1},
		{Name: "afkit", Label: 1},
		{Name: "diam", Label: 1},
		{Name: "diam1", Label: 1},
		{Name: "kbeast", Label: 1},
		{Name: "kbeast0", Label: 1},
		{Name: "kbeast1", Label: 1},
		{Name: "kbeast2", Label: 1},
		{Name: "normal", Label: 0},
		{Name: "normal0", Label: 0},
		{Name: "normal1", Label: 0},
		{Name: "normal2", Label: 0},
		{Name: "srootkit", Label: 1},
		{Name: "srootkit0", Label: 1},
		{Name: "srootkit1", Label: 1},
		{Name: "srootkit2", Label: 1},
		{Name: "suterusu", Label: 1},
		{Name: "suterusu0", Label: 1},
		{Name: "suterusu2", Label: 1},
	}
}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Parse durations
	modelTimeout, err := time.ParseDuration(config.Model.Timeout)
	if err != nil {
		modelTimeout = 5 * time.Second
	}
	ping, err := time.ParseDuration(config.Monitor.PingInterval)
	if err != nil {
		ping = 15 * time.Second
	}

	keyStart := common.DefaultKeyStart
	if config.Vectorizer.KeyStart != nil {
		keyStart = *config.Vectorizer.KeyStart
	}
	balance := true
	if config.Dataset.BalanceTrain != nil {
		balance = *config.Dataset.BalanceTrain
	}
	retries := common.DefaultModelRetries
	if config.Model.Retries != nil {
		retries = *config.Model.Retries
	}

	datasets := config.Data.Datasets
	if len(datasets) == 0 {
		datasets = DefaultDatasets()
	}
	if env := os.Getenv(common.EnvDatasets); env != "" {
		if datasets, err = parseDatasets(env); err != nil {
			return Settings{}, err
		}
	}

	testDatasets := config.Dataset.TestDatasets
	if len(testDatasets) == 0 {
		testDatasets = common.DefaultTestDatasets
	}

	settings := Settings{
		DataPath:      getEnvOrDefault(common.EnvDataPath, orDefault(config.Data.DataPath, common.DefaultDataPath)),
		TracePath:     getEnvOrDefault(common.EnvTracePath, orDefault(config.Data.TracePath, common.DefaultTracePath)),
		Datasets:      datasets,
		Buckets:       getIntFromEnvOrConfig(common.EnvBuckets, config.Vectorizer.Buckets, common.DefaultBuckets),
		KeyStart:      getIntOrDefault(common.EnvKeyStart, keyStart),
		KeyWidth:      getIntFromEnvOrConfig(common.EnvKeyWidth, config.Vectorizer.KeyWidth, common.DefaultKeyWidth),
		Layout:        getEnvOrDefault(common.EnvLayout, orDefault(config.Vectorizer.Layout, common.DefaultLayout)),
		SliceSkip:     getIntFromEnvOrConfig(common.EnvSliceSkip, config.Data.SliceSkip, common.DefaultSliceSkip),
		SliceMerge:    getIntFromEnvOrConfig(common.EnvSliceMerge, config.Data.SliceMerge, common.DefaultSliceMerge),
		WindowHeight:  getIntFromEnvOrConfig(common.EnvWindowHeight, config.Dataset.WindowHeight, common.DefaultWindowHeight),
		WindowSkip:    getIntFromEnvOrConfig(common.EnvWindowSkip, config.Dataset.WindowSkip, common.DefaultWindowSkip),
		BalanceTrain:  getBoolOrDefault(common.EnvBalanceTrain, balance),
		TestDatasets:  splitOrDefault(os.Getenv(common.EnvTestDatasets), testDatasets),
		TrainDatasets: splitOrDefault(os.Getenv(common.EnvTrainDatasets), config.Dataset.TrainDatasets),
		BatchSize:     getIntFromEnvOrConfig(common.EnvBatchSize, config.Dataset.BatchSize, common.DefaultBatchSize),
		ModelURL:      getEnvOrDefault(common.EnvModelURL, config.Model.URL),
		ModelTimeout:  getDurationOrDefault(common.EnvModelTimeout, modelTimeout),
		ModelRetries:  getIntOrDefault(common.EnvModelRetries, retries),
		ModelsPath:    getEnvOrDefault(common.EnvModelsPath, orDefault(config.Model.ModelsPath, common.DefaultModelsPath)),
		ModelPort:     getIntFromEnvOrConfig(common.EnvModelPort, config.Model.Port, common.DefaultModelPort),
		FeedURL:       getEnvOrDefault(common.EnvFeedURL, config.Monitor.FeedURL),
		Ping:          getDurationOrDefault(common.EnvPingInterval, ping),
		MetricsPort:   getIntFromEnvOrConfig(common.EnvMetricsPort, config.Monitor.MetricsPort, common.DefaultMetricsPort),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	datasets := DefaultDatasets()
	if env := os.Getenv(common.EnvDatasets); env != "" {
		var err error
		if datasets, err = parseDatasets(env); err != nil {
			return Settings{}, err
		}
	}

	settings := Settings{
		DataPath:      getEnvOrDefault(common.EnvDataPath, common.DefaultDataPath),
		TracePath:     getEnvOrDefault(common.EnvTracePath, common.DefaultTracePath),
		Datasets:      datasets,
		Buckets:       getIntOrDefault(common.EnvBuckets, common.DefaultBuckets),
		KeyStart:      getIntOrDefault(common.EnvKeyStart, common.DefaultKeyStart),
		KeyWidth:      getIntOrDefault(common.EnvKeyWidth, common.DefaultKeyWidth),
		Layout:        getEnvOrDefault(common.EnvLayout, common.DefaultLayout),
		SliceSkip:     getIntOrDefault(common.EnvSliceSkip, common.DefaultSliceSkip),
		SliceMerge:    getIntOrDefault(common.EnvSliceMerge, common.DefaultSliceMerge),
		WindowHeight:  getIntOrDefault(common.EnvWindowHeight, common.DefaultWindowHeight),
		WindowSkip:    getIntOrDefault(common.EnvWindowSkip, common.DefaultWindowSkip),
		BalanceTrain:  getBoolOrDefault(common.EnvBalanceTrain, true),
		TestDatasets:  splitOrDefault(os.Getenv(common.EnvTestDatasets), common.DefaultTestDatasets),
		TrainDatasets: splitOrDefault(os.Getenv(common.EnvTrainDatasets), nil),
		BatchSize:     getIntOrDefault(common.EnvBatchSize, common.DefaultBatchSize),
		ModelURL:      os.Getenv(common.EnvModelURL), // optional
		ModelTimeout:  getDurationOrDefault(common.EnvModelTimeout, 5*time.Second),
		ModelRetries:  getIntOrDefault(common.EnvModelRetries, common.DefaultModelRetries),
		ModelsPath:    getEnvOrDefault(common.EnvModelsPath, common.DefaultModelsPath),
		ModelPort:     getIntOrDefault(common.EnvModelPort, common.DefaultModelPort),
		FeedURL:       os.Getenv(common.EnvFeedURL), // optional
		Ping:          getDurationOrDefault(common.EnvPingInterval, 15*time.Second),
		MetricsPort:   getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
	}

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// Vectorizer builds the feature vectorizer described by the settings.
func (s *Settings) Vectorizer() (features.Vectorizer, error) {
	layout, err := features.ParseLayout(s.Layout)
	if err != nil {
		return features.Vectorizer{}, err
	}
	v := features.Vectorizer{
		Buckets:  s.Buckets,
		KeyStart: s.KeyStart,
		KeyWidth: s.KeyWidth,
		Layout:   layout,
	}
	return v, v.Validate()
}

// parseDatasets reads "name:label,name:label".
func parseDatasets(v string) ([]features.Source, error) {
	var out []features.Source
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, label, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("dataset %q must be name:label", item)
		}
		l, err := strconv.ParseInt(strings.TrimSpace(label), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: invalid label: %w", item, err)
		}
		out = append(out, features.Source{Name: strings.TrimSpace(name), Label: int32(l)})
	}
	return out, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	// Validate paths
	if settings.DataPath == "" {
		return fmt.Errorf("data path cannot be empty")
	}
	if settings.TracePath == "" {
		return fmt.Errorf("trace path cannot be empty")
	}

	// Validate datasets
	if len(settings.Datasets) == 0 {
		return fmt.Errorf("at least one dataset must be specified")
	}
	seen := make(map[string]bool, len(settings.Datasets))
	for _, ds := range settings.Datasets {
		if ds.Name == "" {
			return fmt.Errorf("dataset name cannot be empty")
		}
		if seen[ds.Name] {
			return fmt.Errorf("dataset %s listed twice", ds.Name)
		}
		seen[ds.Name] = true
		if ds.Label != 0 && ds.Label != 1 {
			return fmt.Errorf("dataset %s: label must be 0 or 1, got %d", ds.Name, ds.Label)
		}
	}

	// Validate vectorizer
	if settings.Buckets <= 0 || settings.Buckets > common.MaxBuckets {
		return fmt.Errorf("buckets must be between 1 and %d, got %d", common.MaxBuckets, settings.Buckets)
	}
	if settings.KeyStart < 0 || settings.KeyStart > 64 {
		return fmt.Errorf("key start must be between 0 and 64, got %d", settings.KeyStart)
	}
	if settings.KeyWidth <= 0 || settings.KeyWidth > common.MaxKeyWidth {
		return fmt.Errorf("key width must be between 1 and %d, got %d", common.MaxKeyWidth, settings.KeyWidth)
	}
	if _, err := features.ParseLayout(settings.Layout); err != nil {
		return err
	}

	// Validate slicing and windows
	if settings.SliceSkip < 1 {
		return fmt.Errorf("slice skip must be positive, got %d", settings.SliceSkip)
	}
	if settings.SliceMerge < 1 {
		return fmt.Errorf("slice merge must be positive, got %d", settings.SliceMerge)
	}
	if settings.WindowHeight <= 0 || settings.WindowHeight > common.MaxWindowHeight {
		return fmt.Errorf("window height must be between 1 and %d, got %d", common.MaxWindowHeight, settings.WindowHeight)
	}
	if settings.WindowSkip < 1 {
		return fmt.Errorf("window skip must be positive, got %d", settings.WindowSkip)
	}
	if settings.BatchSize <= 0 || settings.BatchSize > common.MaxBatchSize {
		return fmt.Errorf("batch size must be between 1 and %d, got %d", common.MaxBatchSize, settings.BatchSize)
	}

	// Validate model client
	if settings.ModelTimeout < 100*time.Millisecond || settings.ModelTimeout > time.Minute {
		return fmt.Errorf("model timeout must be between 100ms and 1m, got %v", settings.ModelTimeout)
	}
	if settings.ModelRetries < 0 || settings.ModelRetries > 10 {
		return fmt.Errorf("model retries must be between 0 and 10, got %d", settings.ModelRetries)
	}

	// Validate monitor
	if settings.Ping < time.Second || settings.Ping > 5*time.Minute {
		return fmt.Errorf("ping interval must be between 1s and 5m, got %v", settings.Ping)
	}
	if settings.MetricsPort < common.MinMetricsPort || settings.MetricsPort > common.MaxMetricsPort {
		return fmt.Errorf("metrics port must be between %d and %d, got %d", common.MinMetricsPort, common.MaxMetricsPort, settings.MetricsPort)
	}
	if settings.ModelPort < common.MinMetricsPort || settings.ModelPort > common.MaxMetricsPort {
		return fmt.Errorf("model port must be between %d and %d, got %d", common.MinMetricsPort, common.MaxMetricsPort, settings.ModelPort)
	}

	return nil
}
