package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/pkg/logger"

	"github.com/kelseyhightower/envconfig"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "ESCROW_CONFIG"

// DefaultPath 是未指定路径时读取的配置文件。
const DefaultPath = "configs/escrow.json"

// Config 描述 escrowd 启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Auth       AuthConfig       `json:"auth"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Capability CapabilityConfig `json:"capability"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Escrow     EscrowConfig     `json:"escrow"`
	Chain      ChainConfig      `json:"chain"`
	Trust      TrustConfig      `json:"trust"`
	Anomaly    AnomalyConfig    `json:"anomaly"`
	Events     EventsConfig     `json:"events"`
	Alerting   AlertingConfig   `json:"alerting"`
	Logging    logger.Config    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
	Knowledge  KnowledgeConfig  `json:"knowledge"`
}

// ServerConfig 控制 API 服务的监听地址与超时。
type ServerConfig struct {
	Address         string   `json:"address" envconfig:"ADDRESS"`
	ReadTimeout     Duration `json:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    Duration `json:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout Duration `json:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// AuthConfig 是静态令牌表。
type AuthConfig struct {
	Tokens []TokenConfig `json:"tokens"`
}

// TokenConfig 把一个 Bearer 令牌映射到主体与权限。
type TokenConfig struct {
	Token       string   `json:"token"`
	Subject     string   `json:"subject"`
	Permissions []string `json:"permissions"`
}

// StorageConfig 选择持久化后端。driver 为 memory 或 mysql。
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string   `json:"dsn" envconfig:"DSN"`
	MaxOpenConns    int      `json:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int      `json:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time" envconfig:"CONN_MAX_IDLE_TIME"`
	AutoMigrate     bool     `json:"auto_migrate" envconfig:"AUTO_MIGRATE"`
}

// QueueConfig 选择会话队列。driver 为 memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver" envconfig:"DRIVER"`
	Size     int            `json:"size" envconfig:"SIZE"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 同时服务于会话队列与分布式托管锁。
type RedisConfig struct {
	Address   string   `json:"address" envconfig:"ADDRESS"`
	Password  string   `json:"password" envconfig:"PASSWORD"`
	DB        int      `json:"db" envconfig:"DB"`
	Queue     string   `json:"queue" envconfig:"QUEUE"`
	BlockWait Duration `json:"block_wait" envconfig:"BLOCK_WAIT"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url" envconfig:"URL"`
	Queue      string `json:"queue" envconfig:"QUEUE"`
	Prefetch   int    `json:"prefetch" envconfig:"PREFETCH"`
	Durable    bool   `json:"durable" envconfig:"DURABLE"`
	AutoDelete bool   `json:"auto_delete" envconfig:"AUTO_DELETE"`
}

// CapabilityConfig 描述智能体推理能力的来源。provider 为 openai 或 python_bridge。
type CapabilityConfig struct {
	Provider     string              `json:"provider"`
	AgentTimeout Duration            `json:"agent_timeout"`
	TypeTimeouts map[string]Duration `json:"type_timeouts"`
	AgentVersion string              `json:"agent_version"`
	OpenAI       OpenAIConfig        `json:"openai"`
	Python       PythonBridgeConfig  `json:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey  string   `json:"api_key" envconfig:"API_KEY"`
	BaseURL string   `json:"base_url" envconfig:"BASE_URL"`
	Model   string   `json:"model" envconfig:"MODEL"`
	Timeout Duration `json:"timeout" envconfig:"TIMEOUT"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// PipelineConfig 控制编排流水线。
type PipelineConfig struct {
	Workers                int      `json:"workers"`
	Steps                  []string `json:"steps"`
	Critical               []string `json:"critical"`
	StepRetries            int      `json:"step_retries"`
	MaxNonCriticalFailures int      `json:"max_non_critical_failures"`
	DefaultBackend         string   `json:"default_backend"`
}

// EscrowConfig 控制托管状态机。lock 为 memory 或 redis。
type EscrowConfig struct {
	RequiredVerifications []string `json:"required_verifications"`
	Lock                  string   `json:"lock"`
	LockTTL               Duration `json:"lock_ttl"`
	LockPrefix            string   `json:"lock_prefix"`
}

// ChainConfig 描述链上托管合约所在的网络。
type ChainConfig struct {
	Enabled         bool   `json:"enabled" envconfig:"ENABLED"`
	DefinitionsFile string `json:"definitions_file" envconfig:"DEFINITIONS_FILE"`
	DefaultChain    string `json:"default_chain" envconfig:"DEFAULT_CHAIN"`
	RPCURL          string `json:"rpc_url" envconfig:"RPC_URL"`
	WSURL           string `json:"ws_url" envconfig:"WS_URL"`
	VaultAddress    string `json:"vault_address" envconfig:"VAULT_ADDRESS"`
	SignerKey       string `json:"signer_key" envconfig:"SIGNER_KEY"`
	WatchAttest     bool   `json:"watch_attestations" envconfig:"WATCH_ATTESTATIONS"`
}

// TrustConfig 控制徽章签发。
type TrustConfig struct {
	BadgeTTL  Duration `json:"badge_ttl"`
	CacheSize int      `json:"cache_size"`
}

// AnomalyConfig 覆盖异常评分规则，零值使用默认规则。
type AnomalyConfig struct {
	Threshold          float64  `json:"threshold"`
	VelocityWindow     Duration `json:"velocity_window"`
	VelocityLimit      int      `json:"velocity_limit"`
	RapidDisputeWindow Duration `json:"rapid_dispute_window"`
	RejectionLimit     int      `json:"rejection_limit"`
	HighValueMinor     int64    `json:"high_value_minor"`
	LowTrustScore      float64  `json:"low_trust_score"`
}

// EventsConfig 选择合规事件出口。driver 为 none、memory 或 kafka。
type EventsConfig struct {
	Driver string      `json:"driver"`
	Kafka  KafkaConfig `json:"kafka"`
}

// KafkaConfig 描述 Kafka 写入端。
type KafkaConfig struct {
	Brokers      []string `json:"brokers" envconfig:"BROKERS"`
	Topic        string   `json:"topic" envconfig:"TOPIC"`
	WriteTimeout Duration `json:"write_timeout" envconfig:"WRITE_TIMEOUT"`
}

// AlertingConfig 控制告警分发。
type AlertingConfig struct {
	MinimumSeverity string      `json:"minimum_severity"`
	Slack           SlackConfig `json:"slack"`
}

// SlackConfig 为空令牌时不启用 Slack。
type SlackConfig struct {
	Token     string `json:"token" envconfig:"TOKEN"`
	ChannelID string `json:"channel_id" envconfig:"CHANNEL_ID"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// KnowledgeConfig 指向估价可比商品文件。
type KnowledgeConfig struct {
	File       string `json:"file"`
	MaxResults int    `json:"max_results"`
}

// ResolvePath 依次使用显式参数、ESCROW_CONFIG 与默认路径。
func ResolvePath(explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load 解析 JSON 配置文件，填充默认值后应用环境变量覆盖。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败",
			xerrors.WithMetadata("path", path))
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败",
			xerrors.WithMetadata("path", path))
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyEnv 按分区应用 ESCROW_* 环境变量，未设置的变量保留文件中的值。
func (c *Config) applyEnv() error {
	sections := []struct {
		prefix string
		target any
	}{
		{"ESCROW_SERVER", &c.Server},
		{"ESCROW_STORAGE_MYSQL", &c.Storage.MySQL},
		{"ESCROW_QUEUE", &c.Queue},
		{"ESCROW_CAPABILITY_OPENAI", &c.Capability.OpenAI},
		{"ESCROW_CHAIN", &c.Chain},
		{"ESCROW_KAFKA", &c.Events.Kafka},
		{"ESCROW_SLACK", &c.Alerting.Slack},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.target); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析环境变量失败",
				xerrors.WithMetadata("prefix", s.prefix))
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(30 * time.Second)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
		if c.Storage.MySQL.DSN != "" {
			c.Storage.Driver = "mysql"
		}
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}

	if c.Capability.Provider == "" {
		c.Capability.Provider = "python_bridge"
	}
	if c.Capability.AgentTimeout == 0 {
		c.Capability.AgentTimeout = Duration(30 * time.Second)
	}
	py := &c.Capability.Python
	if py.PythonExecutable == "" {
		py.PythonExecutable = "python3"
	}
	py.WorkingDir = resolve(baseDir, py.WorkingDir, baseDir)

	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 4
	}

	if c.Escrow.Lock == "" {
		c.Escrow.Lock = "memory"
	}

	if c.Chain.DefinitionsFile != "" && !filepath.IsAbs(c.Chain.DefinitionsFile) {
		c.Chain.DefinitionsFile = filepath.Join(baseDir, c.Chain.DefinitionsFile)
	}

	if c.Trust.BadgeTTL == 0 {
		c.Trust.BadgeTTL = Duration(90 * 24 * time.Hour)
	}
	if c.Trust.CacheSize <= 0 {
		c.Trust.CacheSize = 1024
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
		if len(c.Events.Kafka.Brokers) > 0 {
			c.Events.Driver = "kafka"
		}
	}
	if c.Events.Kafka.Topic == "" {
		c.Events.Kafka.Topic = "agentescrow.compliance"
	}

	if c.Alerting.MinimumSeverity == "" {
		c.Alerting.MinimumSeverity = string(xerrors.SeverityWarning)
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, filepath.Join(baseDir, "data"))

	if c.Knowledge.File != "" && !filepath.IsAbs(c.Knowledge.File) {
		c.Knowledge.File = filepath.Join(baseDir, c.Knowledge.File)
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 5
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Duration 在 JSON 与环境变量中都接受 "30s" 形式，JSON 中也接受纳秒整数。
type Duration time.Duration

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON 以字符串形式输出。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v))
		return nil
	case string:
		return d.Decode(v)
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "时长格式不合法")
	}
}

// Decode 实现 envconfig.Decoder。
func (d *Duration) Decode(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "时长格式不合法", xerrors.WithMetadata("value", value))
	}
	*d = Duration(parsed)
	return nil
}
