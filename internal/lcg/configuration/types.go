package configuration

import (
	"time"

	"github.com/armadaproject/lcg/internal/common/config"
	"github.com/armadaproject/lcg/internal/common/logging"
)

type LCGConfiguration struct {
	MetricsPort uint16
	Logging     logging.Config
	// Directory job workspaces are created in.
	Workspace string `validate:"required"`
	// SQLite database the job repository is kept in.
	RepositoryPath string `validate:"required"`
	Middleware     MiddlewareConfiguration
	Submission     SubmissionConfiguration
	Sandbox        SandboxConfiguration
	Requirements   RequirementsConfiguration
	Reconciliation ReconciliationConfiguration
	Downloader     DownloaderConfiguration
	Notifier       NotifierConfiguration
}

type MiddlewareConfiguration struct {
	// Flavours operations are allowed on, e.g. GLITE, EDG.
	Enabled []string `validate:"min=1,dive,oneof=EDG GLITE"`
	// Maximum calls per second to the middleware across all workers. Zero disables limiting.
	RateLimit float64 `validate:"gte=0"`
	RateBurst int
	Simulator SimulatorConfiguration
}

type SimulatorConfiguration struct {
	Host              string
	ComputingElements []string
	FailEvery         int `validate:"gte=0"`
	StateFile         string
}

type SubmissionConfiguration struct {
	VirtualOrganisation string `validate:"required"`
	// Number of subjobs bundled into one collection.
	GliteBulkJobSize  int `validate:"min=1"`
	SubmissionThreads int `validate:"min=1"`
	PrepareThreads    int `validate:"min=1"`
	// Join timeout of the bulk engine. Zero waits indefinitely.
	Timeout           time.Duration
	MatchBeforeSubmit bool
	JobLogHandler     string `validate:"oneof=WMS SE"`
	// Negative values omit the attribute from descriptors.
	RetryCount         int
	ShallowRetryCount  int
	DefaultLFC         string
	Rank               string
	ReplicaCatalog     string
	StorageIndex       string
	MyProxyServer      string
	DataRequirements   string
	DataAccessProtocol []string
}

type SandboxConfiguration struct {
	// Input files larger than this are uploaded to the sandbox cache instead of shipped with the job.
	BoundSandboxLimit config.ByteSize `validate:"gt=0"`
	// Minimum time in seconds the job wrapper allows for downloading cached files.
	TransferTimeout int `validate:"gte=0"`
	// Either local or s3.
	Cache             string `validate:"oneof=local s3"`
	ChecksumCacheSize int    `validate:"min=1"`
	Local             LocalCacheConfiguration
	S3                S3CacheConfiguration
}

type LocalCacheConfiguration struct {
	Directory string
}

type S3CacheConfiguration struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type RequirementsConfiguration struct {
	// Minutes.
	WallTime int `validate:"gte=0"`
	// Minutes.
	CPUTime int `validate:"gte=0"`
	// MB.
	Memory         int `validate:"gte=0"`
	Software       []string
	AllowedCEs     []string
	ExcludedCEs    []string
	IPConnectivity bool
	NodeNumber     int `validate:"gte=1"`
	Other          []string
}

type ReconciliationConfiguration struct {
	Interval time.Duration `validate:"gt=0"`
}

type DownloaderConfiguration struct {
	Threads    int `validate:"min=1"`
	Retries    int `validate:"min=1"`
	RetryDelay time.Duration
}

type NotifierConfiguration struct {
	// Either log or redis.
	Type  string `validate:"oneof=log redis"`
	Redis RedisNotifierConfiguration
}

type RedisNotifierConfiguration struct {
	Addr     string
	Password string
	DB       int
	Hash     string
	Channel  string
}
