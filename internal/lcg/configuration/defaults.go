package configuration

import (
	"time"

	"github.com/armadaproject/lcg/internal/common/logging"
)

// Default returns the configuration used for any setting the config files leave out.
func Default() LCGConfiguration {
	return LCGConfiguration{
		Logging:        logging.Config{Level: "info", Format: "text"},
		Workspace:      "workspace",
		RepositoryPath: "workspace/jobs.db",
		Middleware: MiddlewareConfiguration{
			Enabled:   []string{"GLITE"},
			RateBurst: 1,
			Simulator: SimulatorConfiguration{
				Host:      "wms.simulator.local",
				StateFile: "workspace/simulator.yaml",
			},
		},
		Submission: SubmissionConfiguration{
			VirtualOrganisation: "dteam",
			GliteBulkJobSize:    50,
			SubmissionThreads:   10,
			PrepareThreads:      10,
			JobLogHandler:       "WMS",
			RetryCount:          3,
			ShallowRetryCount:   10,
			DefaultLFC:          "prod-lfc-shared-central.cern.ch",
			MyProxyServer:       "myproxy.cern.ch",
			DataAccessProtocol:  []string{"gsiftp"},
		},
		Sandbox: SandboxConfiguration{
			BoundSandboxLimit: 10 * 1024 * 1024,
			TransferTimeout:   60,
			Cache:             "local",
			ChecksumCacheSize: 1024,
			Local:             LocalCacheConfiguration{Directory: "workspace/sandboxcache"},
		},
		Requirements: RequirementsConfiguration{
			NodeNumber: 1,
		},
		Reconciliation: ReconciliationConfiguration{
			Interval: 30 * time.Second,
		},
		Downloader: DownloaderConfiguration{
			Threads:    10,
			Retries:    3,
			RetryDelay: time.Second,
		},
		Notifier: NotifierConfiguration{
			Type: "log",
			Redis: RedisNotifierConfiguration{
				Addr:    "localhost:6379",
				Hash:    "lcg:job-ids",
				Channel: "lcg:job-ids",
			},
		},
	}
}
