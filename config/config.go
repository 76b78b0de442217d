package config

import (
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env              string          `mapstructure:"env"`
	LogLevel         string          `mapstructure:"log_level"`
	LogType          string          `mapstructure:"log_type"`
	ServiceName      string          `mapstructure:"service_name"`
	Version          string          `mapstructure:"version"`
	WorkerSettings   *WorkerConfig   `mapstructure:"worker"`
	BrowserSettings  *BrowserConfig  `mapstructure:"browser"`
	CacheSettings    *CacheConfig    `mapstructure:"cache"`
	DbSettings       *DatabaseConfig `mapstructure:"database"`
	KafkaSettings    *KafkaConfig    `mapstructure:"kafka"`
	S3Settings       *S3Config       `mapstructure:"s3"`
	CallbackSettings *CallbackConfig `mapstructure:"callback"`
	HttpSettings     *HttpConfig     `mapstructure:"http"`
}

type WorkerConfig struct {
	MaxWorkers         int           `mapstructure:"max_workers"`
	RenderMechanism    int           `mapstructure:"render_mechanism"`
	RenderTimeout      time.Duration `mapstructure:"render_timeout"`
	UserAgent          string        `mapstructure:"user_agent"`
	SeenUrlTtl         time.Duration `mapstructure:"seen_url_ttl"`
	SnapshotToS3       bool          `mapstructure:"snapshot_to_s3"`
	MetadataToDatabase bool          `mapstructure:"metadata_to_database"`
}

type BrowserConfig struct {
	LaunchAttempts int           `mapstructure:"launch_attempts"`
	LaunchBackoff  time.Duration `mapstructure:"launch_backoff"`
	IdleTick       time.Duration `mapstructure:"idle_tick"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

type CacheConfig struct {
	Servers          string        `mapstructure:"servers"`
	TtlForScrape     time.Duration `mapstructure:"ttl_for_scrape"`
	TtlForScreenshot time.Duration `mapstructure:"ttl_for_screenshot"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type KafkaConfig struct {
	Producer *ProducerConfig `mapstructure:"producer"`
	Consumer *ConsumerConfig `mapstructure:"consumer"`
}

type ProducerConfig struct {
	Addr              string        `mapstructure:"addr"`
	TaskTopicName     string        `mapstructure:"task_topic_name"`
	CallbackTopicName string        `mapstructure:"callback_topic_name"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BatchSize         int           `mapstructure:"batch_size"`
	BatchTimeout      time.Duration `mapstructure:"batch_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	RequiredAsks      int           `mapstructure:"required_acks"`
	Async             bool          `mapstructure:"async"`
}

type ConsumerConfig struct {
	TaskTopicName     string        `mapstructure:"task_topic_name"`
	CallbackTopicName string        `mapstructure:"callback_topic_name"`
	Brokers           string        `mapstructure:"brokers"`
	GroupID           string        `mapstructure:"group_id"`
	MaxWait           time.Duration `mapstructure:"max_wait"`
	ReadBatchTimeout  time.Duration `mapstructure:"read_batch_timeout"`
	MaxRedeliveries   int           `mapstructure:"max_redeliveries"`
}

type S3Config struct {
	AwsAccessKey    string `mapstructure:"aws_access_key"`
	AwsSecretKey    string `mapstructure:"aws_secret_key"`
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

type CallbackConfig struct {
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type HttpConfig struct {
	Port          string        `mapstructure:"port"`
	BearerToken   string        `mapstructure:"bearer_token"`
	MaxDepthLimit int           `mapstructure:"max_depth_limit"`
	MaxLinkLimit  int           `mapstructure:"max_link_limit"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

func MustLoad() *Config {
	viper.AddConfigPath(path.Join("."))
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		slog.Error("can't initialize config file.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		slog.Error("error unmarshalling viper config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return &cfg
}
