package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string
	DBDSN    string

	// optional; empty disables Idempotency-Key handling
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AI provider for captions and code summaries
	AIProvider        string
	OllamaBaseURL     string
	OllamaModel       string
	OllamaCodeModel   string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string

	// speech server
	TTSBaseURL string
	TTSVoice   string

	// artifacts: local StaticDir unless MinioEndpoint is set
	StaticDir      string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioPublicURL string

	// rabbitMQ event fan-out; empty RabbitURL disables it
	RabbitURL      string
	RabbitExchange string
	RabbitQueue    string

	RecheckWaiting bool
	EventBacklog   int
	WSClientBuffer int
}

// LoadDotEnv loads an optional env file before Load reads the environment.
// Variables already set win over the file.
func LoadDotEnv(path string) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("config: load %s: %v", path, err)
		}
		return
	}
	log.Printf("config: loaded %s", path)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func Load() Config {
	// DSN demo:
	// catwalk.db (sqlite, default)
	// app:apppass@tcp(127.0.0.1:3306)/catwalk?charset=utf8mb4&parseTime=true&loc=Local
	return Config{
		HTTPAddr: getenv("HTTP_ADDR", ":8080"),
		DBDSN:    getenv("DB_DSN", "catwalk.db"),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getint("REDIS_DB", 0),

		AIProvider:        getenv("AI_PROVIDER", "ollama"),
		OllamaBaseURL:     getenv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:       getenv("OLLAMA_MODEL", "llava:latest"),
		OllamaCodeModel:   getenv("OLLAMA_CODE_MODEL", "llama3:latest"),
		OpenRouterBaseURL: getenv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:   getenv("OPENROUTER_MODEL", "openrouter/auto"),
		OpenRouterSiteURL: os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName: getenv("OPENROUTER_APP_NAME", "catwalk"),

		TTSBaseURL: getenv("TTS_BASE_URL", "http://localhost:8020"),
		TTSVoice:   getenv("TTS_VOICE", "v2/en_speaker_6"),

		StaticDir:      getenv("STATIC_DIR", "static"),
		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getenv("MINIO_BUCKET", "catwalk"),
		MinioUseSSL:    getbool("MINIO_USE_SSL", false),
		MinioPublicURL: os.Getenv("MINIO_PUBLIC_URL"),

		RabbitURL:      os.Getenv("RABBIT_URL"),
		RabbitExchange: getenv("RABBIT_EXCHANGE", "job_updates"),
		RabbitQueue:    os.Getenv("RABBIT_QUEUE"),

		RecheckWaiting: getbool("RECOVERY_RECHECK_WAITING", true),
		EventBacklog:   getint("EVENT_BACKLOG", 500),
		WSClientBuffer: getint("WS_CLIENT_BUFFER", 64),
	}
}
