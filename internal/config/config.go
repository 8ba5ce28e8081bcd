package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server     ServerConfig
	Telegram   TelegramConfig
	ASR        ASRConfig
	Transcoder TranscoderConfig
	Limits     LimitsConfig
	Queue      QueueConfig
	Retry      RetryConfig
	Timeouts   TimeoutsConfig
	Stats      StatsConfig
	Redis      RedisConfig
	R2         R2Config
	JWT        JWTConfig
	OIDC       OIDCConfig
	RateLimit  RateLimitConfig
	Gateway    GatewayConfig
}

type ServerConfig struct {
	Port       string
	Env        string
	LogLevel   string
	ScratchDir string
}

type TelegramConfig struct {
	BotToken       string
	APIBaseURL     string
	WebhookSecret  string
	RequestTimeout time.Duration // per Bot API method call; downloads use the estimator
}

// ASRConfig describes the transcription backend. Mode is "raw" (WAV body
// posted to /transcribe) or "openai" (multipart /audio/transcriptions).
type ASRConfig struct {
	BaseURL  string
	Mode     string
	APIKey   string
	Model    string
	Language string
	Task     string
	Identity string
}

type TranscoderConfig struct {
	FFmpegPath string
	SampleRate int
}

type LimitsConfig struct {
	MaxDurationSec int // 0 disables the check
	MaxFileBytes   int64
	MaxMessageLen  int
}

type QueueConfig struct {
	Concurrency int
	MaxDepth    int
}

type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

// StageTimeout holds the knobs of one adaptive timeout. FallbackRate is in
// milliseconds per unit (MB for downloads, audio second for transcription).
type StageTimeout struct {
	Base         time.Duration
	Max          time.Duration
	FallbackRate float64
	Multiplier   float64
	Buffer       time.Duration
}

type TimeoutsConfig struct {
	Download   StageTimeout
	Transcribe StageTimeout
}

type StatsConfig struct {
	Backend   string // file, redis or r2
	Path      string
	RedisKey  string
	ObjectKey string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type R2Config struct {
	AccountID       string
	Endpoint        string // overrides the account endpoint, for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type OIDCConfig struct {
	Issuer   string
	ClientID string
	// OperatorRole, when set, must appear in the token's roles claim.
	OperatorRole string
}

type RateLimitConfig struct {
	JobsPerHour int
	APIPerMin   int
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("TELEGRAM_BOT_TOKEN")
	readSecret("TELEGRAM_WEBHOOK_SECRET")
	readSecret("ASR_API_KEY")
	readSecret("REDIS_PASSWORD")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("JWT_SECRET")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	bindEnv(v)
	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	return fromViper(v), nil
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.scratch_dir", "SCRATCH_DIR")
	_ = v.BindEnv("telegram.bot_token", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("telegram.api_base_url", "TELEGRAM_API_BASE_URL")
	_ = v.BindEnv("telegram.webhook_secret", "TELEGRAM_WEBHOOK_SECRET")
	_ = v.BindEnv("telegram.request_timeout", "TELEGRAM_REQUEST_TIMEOUT")
	_ = v.BindEnv("asr.base_url", "ASR_BASE_URL")
	_ = v.BindEnv("asr.mode", "ASR_MODE")
	_ = v.BindEnv("asr.api_key", "ASR_API_KEY")
	_ = v.BindEnv("asr.model", "ASR_MODEL")
	_ = v.BindEnv("asr.language", "ASR_LANGUAGE")
	_ = v.BindEnv("asr.task", "ASR_TASK")
	_ = v.BindEnv("asr.identity", "ASR_IDENTITY")
	_ = v.BindEnv("transcoder.ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("transcoder.sample_rate", "TRANSCODER_SAMPLE_RATE")
	_ = v.BindEnv("limits.max_duration_sec", "MAX_DURATION_SEC")
	_ = v.BindEnv("limits.max_file_bytes", "MAX_FILE_BYTES")
	_ = v.BindEnv("limits.max_message_len", "MAX_MESSAGE_LEN")
	_ = v.BindEnv("queue.concurrency", "QUEUE_CONCURRENCY")
	_ = v.BindEnv("queue.max_depth", "QUEUE_MAX_DEPTH")
	_ = v.BindEnv("retry.attempts", "ASR_RETRY_ATTEMPTS")
	_ = v.BindEnv("retry.delay", "ASR_RETRY_DELAY")
	for stage, prefix := range map[string]string{"download": "DOWNLOAD_TIMEOUT", "transcribe": "ASR_TIMEOUT"} {
		_ = v.BindEnv("timeouts."+stage+".base", prefix+"_BASE")
		_ = v.BindEnv("timeouts."+stage+".max", prefix+"_MAX")
		_ = v.BindEnv("timeouts."+stage+".fallback_rate", prefix+"_FALLBACK_RATE")
		_ = v.BindEnv("timeouts."+stage+".multiplier", prefix+"_MULTIPLIER")
		_ = v.BindEnv("timeouts."+stage+".buffer", prefix+"_BUFFER")
	}
	_ = v.BindEnv("stats.backend", "STATS_BACKEND")
	_ = v.BindEnv("stats.path", "STATS_PATH")
	_ = v.BindEnv("stats.redis_key", "STATS_REDIS_KEY")
	_ = v.BindEnv("stats.object_key", "STATS_OBJECT_KEY")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.endpoint", "R2_ENDPOINT")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = v.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = v.BindEnv("oidc.operator_role", "OIDC_OPERATOR_ROLE")
	_ = v.BindEnv("ratelimit.jobs_per_hour", "RATELIMIT_JOBS_PER_HOUR")
	_ = v.BindEnv("ratelimit.api_per_min", "RATELIMIT_API_PER_MIN")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.scratch_dir", "")

	v.SetDefault("telegram.api_base_url", "https://api.telegram.org")
	v.SetDefault("telegram.request_timeout", "15s")

	// The default backend is the faster-whisper service from asr/
	v.SetDefault("asr.base_url", "http://localhost:8001")
	v.SetDefault("asr.mode", "raw")
	v.SetDefault("asr.model", "small")
	v.SetDefault("asr.task", "transcribe")

	v.SetDefault("transcoder.ffmpeg_path", "ffmpeg")
	v.SetDefault("transcoder.sample_rate", 16000)

	v.SetDefault("limits.max_duration_sec", 0)
	v.SetDefault("limits.max_file_bytes", 20*1024*1024)
	v.SetDefault("limits.max_message_len", 4000)

	v.SetDefault("queue.concurrency", 1)
	v.SetDefault("queue.max_depth", 10)

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", "2s")

	v.SetDefault("timeouts.download.base", "30s")
	v.SetDefault("timeouts.download.max", "10m")
	v.SetDefault("timeouts.download.fallback_rate", 2000.0)
	v.SetDefault("timeouts.download.multiplier", 3.0)
	v.SetDefault("timeouts.download.buffer", "5s")
	v.SetDefault("timeouts.transcribe.base", "2m")
	v.SetDefault("timeouts.transcribe.max", "30m")
	v.SetDefault("timeouts.transcribe.fallback_rate", 1000.0)
	v.SetDefault("timeouts.transcribe.multiplier", 2.0)
	v.SetDefault("timeouts.transcribe.buffer", "15s")

	v.SetDefault("stats.backend", "file")
	v.SetDefault("stats.path", "data/stats.json")
	v.SetDefault("stats.redis_key", "voxnote:stats")
	v.SetDefault("stats.object_key", "stats/stats.json")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiration", 24)

	v.SetDefault("ratelimit.jobs_per_hour", 30)
	v.SetDefault("ratelimit.api_per_min", 60)

	v.SetDefault("gateway.enabled", false)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:       v.GetString("server.port"),
			Env:        v.GetString("server.env"),
			LogLevel:   v.GetString("server.log_level"),
			ScratchDir: v.GetString("server.scratch_dir"),
		},
		Telegram: TelegramConfig{
			BotToken:       v.GetString("telegram.bot_token"),
			APIBaseURL:     v.GetString("telegram.api_base_url"),
			WebhookSecret:  v.GetString("telegram.webhook_secret"),
			RequestTimeout: v.GetDuration("telegram.request_timeout"),
		},
		ASR: ASRConfig{
			BaseURL:  v.GetString("asr.base_url"),
			Mode:     v.GetString("asr.mode"),
			APIKey:   v.GetString("asr.api_key"),
			Model:    v.GetString("asr.model"),
			Language: v.GetString("asr.language"),
			Task:     v.GetString("asr.task"),
			Identity: v.GetString("asr.identity"),
		},
		Transcoder: TranscoderConfig{
			FFmpegPath: v.GetString("transcoder.ffmpeg_path"),
			SampleRate: v.GetInt("transcoder.sample_rate"),
		},
		Limits: LimitsConfig{
			MaxDurationSec: v.GetInt("limits.max_duration_sec"),
			MaxFileBytes:   v.GetInt64("limits.max_file_bytes"),
			MaxMessageLen:  v.GetInt("limits.max_message_len"),
		},
		Queue: QueueConfig{
			Concurrency: v.GetInt("queue.concurrency"),
			MaxDepth:    v.GetInt("queue.max_depth"),
		},
		Retry: RetryConfig{
			Attempts: v.GetInt("retry.attempts"),
			Delay:    v.GetDuration("retry.delay"),
		},
		Timeouts: TimeoutsConfig{
			Download:   stageTimeout(v, "timeouts.download"),
			Transcribe: stageTimeout(v, "timeouts.transcribe"),
		},
		Stats: StatsConfig{
			Backend:   v.GetString("stats.backend"),
			Path:      v.GetString("stats.path"),
			RedisKey:  v.GetString("stats.redis_key"),
			ObjectKey: v.GetString("stats.object_key"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			Endpoint:        v.GetString("r2.endpoint"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		OIDC: OIDCConfig{
			Issuer:       v.GetString("oidc.issuer"),
			ClientID:     v.GetString("oidc.client_id"),
			OperatorRole: v.GetString("oidc.operator_role"),
		},
		RateLimit: RateLimitConfig{
			JobsPerHour: v.GetInt("ratelimit.jobs_per_hour"),
			APIPerMin:   v.GetInt("ratelimit.api_per_min"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
	}
}

func stageTimeout(v *viper.Viper, prefix string) StageTimeout {
	return StageTimeout{
		Base:         v.GetDuration(prefix + ".base"),
		Max:          v.GetDuration(prefix + ".max"),
		FallbackRate: v.GetFloat64(prefix + ".fallback_rate"),
		Multiplier:   v.GetFloat64(prefix + ".multiplier"),
		Buffer:       v.GetDuration(prefix + ".buffer"),
	}
}
