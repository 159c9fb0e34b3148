// Package config loads ragspace's environment-backed configuration,
// optionally seeded from a .env file (teacher-style via godotenv).
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// ObjectStoreConfig configures the S3/MinIO-compatible client.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseTLS    bool
}

// VectorStoreConfig configures the Milvus client.
type VectorStoreConfig struct {
	Host string
	Port string
}

// EmbeddingConfig configures the default OpenAI-backed Embedder/Chatter.
type EmbeddingConfig struct {
	APIKey         string
	EmbeddingModel string
	ChatModel      string
	RateLimitRPM   int
}

// IndexingConfig configures pipeline-wide defaults.
type IndexingConfig struct {
	ProjectPath    string
	DefaultChunkSize int
}

// Config aggregates every section, mirroring the teacher's per-section
// struct composition.
type Config struct {
	ObjectStore ObjectStoreConfig
	VectorStore VectorStoreConfig
	Embedding   EmbeddingConfig
	Indexing    IndexingConfig
}

// Load reads a .env file if present (ignoring its absence) and then
// populates Config from the environment, applying defaults for anything
// unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ObjectStore: ObjectStoreConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "minio:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
			UseTLS:    getBoolEnv("MINIO_USE_TLS", false),
		},
		VectorStore: VectorStoreConfig{
			Host: getEnv("MILVUS_HOST", "localhost"),
			Port: getEnv("MILVUS_PORT", "19530"),
		},
		Embedding: EmbeddingConfig{
			APIKey:         os.Getenv("OPENAI_API_KEY"),
			EmbeddingModel: getEnv("RAGSPACE_EMBEDDING_MODEL", "text-embedding-3-small"),
			ChatModel:      getEnv("RAGSPACE_CHAT_MODEL", "gpt-4o-mini"),
			RateLimitRPM:   getIntEnv("RAGSPACE_OPENAI_RPM", 60),
		},
		Indexing: IndexingConfig{
			ProjectPath:      getEnv("PROJECT_PATH", "/workspace"),
			DefaultChunkSize: getIntEnv("RAGSPACE_DEFAULT_CHUNK_SIZE", 1000),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getBoolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
