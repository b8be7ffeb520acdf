package config

const (
	defaultDataDir             = "~/.local/share/linkpool"
	defaultLogDir              = "~/.local/share/linkpool/logs"
	defaultDedupBatchSize      = 1000
	defaultDigest              = "sha256"
	defaultLeaseTTLSeconds     = 60
	defaultLeaseClaimLimit     = 10
	defaultPortStart           = 9000
	defaultPortEnd             = 9099
	defaultTagPrefix           = "in_test_"
	defaultInboundStatus       = "bound"
	defaultProbeHost           = "127.0.0.1"
	defaultAllocateAttempts    = 8
	defaultInterpreter         = "node"
	defaultBridgeTimeout       = 15
	defaultBridgeReadyTimeout  = 20
	defaultConvertBatchSize    = 200
	defaultConvertSchedule     = "*/5 * * * *"
	defaultRepairSchedule      = "15 * * * *"
	defaultDedupSchedule       = "*/10 * * * *"
	defaultReclaimSchedule     = "* * * * *"
	defaultRequeueSchedule     = "0 * * * *"
	defaultRetestAfterMinutes  = 360
	defaultMetricsBind         = "127.0.0.1:9464"
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	envInterpreter             = "LINKPOOL_NODE_PATH"
	envBundleDir               = "LINKPOOL_BUNDLE_DIR"
	bundleDirRelativeToDataDir = "web"
)

var defaultProtocols = []string{"vless", "vmess", "trojan", "ss", "shadowsocks", "shadowsocks2022"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Dedup: Dedup{
			BatchSize: defaultDedupBatchSize,
			Digest:    defaultDigest,
		},
		Lease: Lease{
			TTLSeconds: defaultLeaseTTLSeconds,
			ClaimLimit: defaultLeaseClaimLimit,
		},
		Inbound: Inbound{
			PortStart:        defaultPortStart,
			PortEnd:          defaultPortEnd,
			TagPrefix:        defaultTagPrefix,
			Status:           defaultInboundStatus,
			AllocateAttempts: defaultAllocateAttempts,
			ProbeHost:        defaultProbeHost,
		},
		Bridge: Bridge{
			Interpreter:         defaultInterpreter,
			TimeoutSeconds:      defaultBridgeTimeout,
			ReadyTimeoutSeconds: defaultBridgeReadyTimeout,
		},
		Convert: Convert{
			BatchSize: defaultConvertBatchSize,
			Protocols: append([]string(nil), defaultProtocols...),
		},
		Daemon: Daemon{
			ConvertSchedule:    defaultConvertSchedule,
			RepairSchedule:     defaultRepairSchedule,
			DedupSchedule:      defaultDedupSchedule,
			ReclaimSchedule:    defaultReclaimSchedule,
			RequeueSchedule:    defaultRequeueSchedule,
			RetestAfterMinutes: defaultRetestAfterMinutes,
			MetricsBind:        defaultMetricsBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
