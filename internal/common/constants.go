package common

// Environment variable keys
const (
	EnvConfigFile    = "CONFIG_FILE"
	EnvDataPath      = "DATA_PATH"
	EnvTracePath     = "TRACE_PATH"
	EnvDatasets      = "DATASETS"
	EnvBuckets       = "VEC_BUCKETS"
	EnvKeyStart      = "VEC_KEY_START"
	EnvKeyWidth      = "VEC_KEY_WIDTH"
	EnvLayout        = "VEC_LAYOUT"
	EnvSliceSkip     = "SLICE_SKIP"
	EnvSliceMerge    = "SLICE_MERGE"
	EnvWindowHeight  = "WINDOW_HEIGHT"
	EnvWindowSkip    = "WINDOW_SKIP"
	EnvBalanceTrain  = "BALANCE_TRAIN"
	EnvTestDatasets  = "TEST_DATASETS"
	EnvTrainDatasets = "TRAIN_DATASETS"
	EnvBatchSize     = "BATCH_SIZE"
	EnvModelURL      = "MODEL_URL"
	EnvModelTimeout  = "MODEL_TIMEOUT"
	EnvModelRetries  = "MODEL_RETRIES"
	EnvModelsPath    = "MODELS_PATH"
	EnvModelPort     = "MODEL_PORT"
	EnvFeedURL       = "FEED_URL"
	EnvPingInterval  = "PING_INTERVAL"
	EnvMetricsPort   = "METRICS_PORT"
)

// Configuration defaults
const (
	DefaultDataPath     = "./data"
	DefaultTracePath    = "./data"
	DefaultBuckets      = 0x1000
	DefaultKeyStart     = 11
	DefaultKeyWidth     = 3
	DefaultLayout       = "overlapped"
	DefaultSliceSkip    = 1
	DefaultSliceMerge   = 1
	DefaultWindowHeight = 20
	DefaultWindowSkip   = 1
	DefaultBatchSize    = 100
	DefaultMetricsPort  = 8080
	DefaultModelPort    = 8081
	DefaultModelsPath   = "./models"
	DefaultModelRetries = 2
)

// Corpus variants persisted by prepdata.
const (
	VariantRaw      = "raw"
	VariantFiltered = "filtered"
)

// Default held-out datasets.
var DefaultTestDatasets = []string{"suterusu", "suterusu0", "suterusu2"}

// ReferenceEpoch is the epoch whose event count sizes the feature vector.
const ReferenceEpoch = "SYS_READ"

// Validation constants
const (
	MinMetricsPort  = 1024
	MaxMetricsPort  = 65535
	MaxBuckets      = 1 << 20
	MaxKeyWidth     = 5
	MaxWindowHeight = 4096
	MaxBatchSize    = 100000
)
