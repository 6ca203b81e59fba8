// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Milvus        MilvusConfig        `mapstructure:"milvus"`
	VectorStore   VectorStoreConfig   `mapstructure:"vector_store"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	Extractor     ExtractorConfig     `mapstructure:"extractor"`
	Chunking      ChunkingConfig      `mapstructure:"chunking"`
	Ingestion     IngestionConfig     `mapstructure:"ingestion"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Memory        MemoryConfig        `mapstructure:"memory"`
	LLM           LLMConfig           `mapstructure:"llm"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时退化为进程内锁。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	Topic       string `mapstructure:"topic"`
	GroupID     string `mapstructure:"group_id"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string        `mapstructure:"server_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// MilvusConfig 存储 Milvus 相关的配置。
type MilvusConfig struct {
	Address        string `mapstructure:"address"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	ShardNum       int32  `mapstructure:"shard_num"`
	HNSWM          int    `mapstructure:"hnsw_m"`
	EfConstruction int    `mapstructure:"ef_construction"`
	Ef             int    `mapstructure:"ef"`
}

// VectorStoreConfig 选择向量库后端并控制写入行为。
type VectorStoreConfig struct {
	Type           string        `mapstructure:"type"` // elasticsearch | milvus | memory
	WriteBatchSize int           `mapstructure:"write_batch_size"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	Provider   string        `mapstructure:"provider"` // ollama | openai | hashing
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	BatchSize  int           `mapstructure:"batch_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ExtractorConfig 选择 PDF 文本提取实现。
type ExtractorConfig struct {
	Type string `mapstructure:"type"` // pdf | tika
}

// ChunkingConfig 控制滑动窗口切块。
type ChunkingConfig struct {
	ChunkSize int `mapstructure:"chunk_size"`
	Overlap   int `mapstructure:"overlap"`
}

// IngestionConfig 控制上传后的入库方式。
type IngestionConfig struct {
	Async   bool          `mapstructure:"async"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RetrievalConfig 控制检索条数、超时与上下文预算。
type RetrievalConfig struct {
	TopK            int           `mapstructure:"top_k"`
	PerDocumentTopK int           `mapstructure:"per_document_top_k"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxContextChars int           `mapstructure:"max_context_chars"`
}

// MemoryConfig 控制会话消息是否写入 conversations 集合。
type MemoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式（可选）。
type LLMPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref_start"`
	RefEnd       string `mapstructure:"ref_end"`
	NoResultText string `mapstructure:"no_result_text"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("kafka.topic", "document-ingestion")
	v.SetDefault("kafka.group_id", "doc-chat-go-ingestor")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("tika.timeout", "60s")
	v.SetDefault("milvus.shard_num", 1)
	v.SetDefault("milvus.hnsw_m", 16)
	v.SetDefault("milvus.ef_construction", 200)
	v.SetDefault("milvus.ef", 64)
	v.SetDefault("vector_store.type", "elasticsearch")
	v.SetDefault("vector_store.write_batch_size", 64)
	v.SetDefault("vector_store.timeout", "30s")
	v.SetDefault("minio.bucket_name", "documents")
	v.SetDefault("embedding.provider", "ollama")
	v.SetDefault("embedding.base_url", "http://localhost:11434")
	v.SetDefault("embedding.model", "all-minilm")
	v.SetDefault("embedding.dimensions", 384)
	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.timeout", "60s")
	v.SetDefault("extractor.type", "pdf")
	v.SetDefault("chunking.chunk_size", 500)
	v.SetDefault("chunking.overlap", 50)
	v.SetDefault("ingestion.timeout", "5m")
	v.SetDefault("retrieval.top_k", 10)
	v.SetDefault("retrieval.per_document_top_k", 5)
	v.SetDefault("retrieval.timeout", "10s")
	v.SetDefault("retrieval.max_context_chars", 12000)
	v.SetDefault("memory.enabled", true)
}

// Load 从指定路径读取 YAML 配置，合并默认值并校验。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}

// Init 加载配置到 Conf，任何错误都直接 panic，让进程在启动阶段失败。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}

// Validate 检查无法在运行期兜底的配置组合。
func (c Config) Validate() error {
	var errs []error
	if c.Chunking.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunking.chunk_size 必须为正数, 当前 %d", c.Chunking.ChunkSize))
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.ChunkSize {
		errs = append(errs, fmt.Errorf("chunking.overlap 必须满足 0 <= overlap < chunk_size, 当前 overlap=%d chunk_size=%d",
			c.Chunking.Overlap, c.Chunking.ChunkSize))
	}
	switch c.VectorStore.Type {
	case "elasticsearch", "milvus", "memory":
	default:
		errs = append(errs, fmt.Errorf("未知的 vector_store.type: %q", c.VectorStore.Type))
	}
	switch c.Embedding.Provider {
	case "ollama", "openai", "hashing":
	default:
		errs = append(errs, fmt.Errorf("未知的 embedding.provider: %q", c.Embedding.Provider))
	}
	switch c.Extractor.Type {
	case "pdf", "tika":
	default:
		errs = append(errs, fmt.Errorf("未知的 extractor.type: %q", c.Extractor.Type))
	}
	if c.Retrieval.PerDocumentTopK < 0 || c.Retrieval.TopK < 0 {
		errs = append(errs, errors.New("retrieval.top_k 与 retrieval.per_document_top_k 不能为负数"))
	}
	return errors.Join(errs...)
}
