package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	DataDir string
	LogsDir string

	MeiliURL   string
	MeiliKey   string
	MeiliIndex string

	EmbeddingAPIURL string
	EmbeddingAPIKey string
	EmbeddingModel  string
	EmbeddingRPS    int

	FGAAPIURL   string
	FGAStoreID  string
	FGAAPIToken string

	FetchWorkers   int
	MinDomainDelay time.Duration
	FetchTimeout   time.Duration
	SitemapTimeout time.Duration

	URLWatchInterval        time.Duration
	JSONWatchInterval       time.Duration
	EmbeddingsWatchInterval time.Duration
	SitemapRefreshInterval  time.Duration

	EmbedBatchSize  int
	UploadBatchSize int

	UserAgent string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:    getEnv("PORT", "8080"),
		DataDir: getEnv("DATA_DIR", "data"),
		LogsDir: getEnv("LOGS_DIR", "logs"),

		MeiliURL:   getEnv("MEILI_URL", "http://localhost:7700"),
		MeiliKey:   getEnv("MEILI_MASTER_KEY", "masterKey"),
		MeiliIndex: getEnv("MEILI_INDEX", "web_records"),

		EmbeddingAPIURL: getEnv("EMBEDDING_API_URL", "https://api.openai.com/v1"),
		EmbeddingAPIKey: getEnv("EMBEDDING_API_KEY", ""),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingRPS:    getEnvInt("EMBEDDING_RPS", 5),

		FGAAPIURL:   getEnv("FGA_API_URL", ""),
		FGAStoreID:  getEnv("FGA_STORE_ID", ""),
		FGAAPIToken: getEnv("FGA_API_TOKEN", ""),

		FetchWorkers:   getEnvInt("FETCH_WORKERS", 10),
		MinDomainDelay: getEnvDuration("MIN_DOMAIN_DELAY", time.Second),
		FetchTimeout:   getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
		SitemapTimeout: getEnvDuration("SITEMAP_TIMEOUT", 10*time.Second),

		URLWatchInterval:        getEnvDuration("URL_WATCH_INTERVAL", 5*time.Second),
		JSONWatchInterval:       getEnvDuration("JSON_WATCH_INTERVAL", 30*time.Second),
		EmbeddingsWatchInterval: getEnvDuration("EMBEDDINGS_WATCH_INTERVAL", 30*time.Second),
		SitemapRefreshInterval:  getEnvDuration("SITEMAP_REFRESH_INTERVAL", time.Hour),

		EmbedBatchSize:  getEnvInt("EMBED_BATCH_SIZE", 100),
		UploadBatchSize: getEnvInt("UPLOAD_BATCH_SIZE", 100),

		UserAgent: getEnv("USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
