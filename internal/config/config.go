package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	OpenAI     OpenAIConfig
	Evolution  EvolutionConfig
	Supabase   SupabaseConfig
	Redis      RedisConfig
	Buffer     BufferConfig
	Automation AutomationConfig
}

type ServerConfig struct {
	Address string
}

type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	ChatModel       string
	VisionModel     string
	TranscribeModel string
	SystemPrompt    string
}

type EvolutionConfig struct {
	URL    string
	APIKey string
}

type SupabaseConfig struct {
	URL string
	Key string

	// DatabaseURL switches the contact store from the REST endpoint
	// to a direct SQL connection when set.
	DatabaseURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type BufferConfig struct {
	Window time.Duration
}

type AutomationConfig struct {
	WebhookURL string
}

const defaultSystemPrompt = "Você é um assistente de atendimento via WhatsApp. " +
	"Responda de forma curta, cordial e em português."

func LoadAll() (*Config, error) {
	var errs []error

	openAIKey, err := requireEnv("OPENAI_API_KEY")
	if err != nil {
		errs = append(errs, err)
	}
	evolutionURL, err := requireEnv("EVOLUTION_API_URL")
	if err != nil {
		errs = append(errs, err)
	}
	evolutionKey, err := requireEnv("EVOLUTION_API_KEY")
	if err != nil {
		errs = append(errs, err)
	}
	supabaseURL, err := requireEnv("SUPABASE_URL")
	if err != nil {
		errs = append(errs, err)
	}
	supabaseKey, err := requireEnv("SUPABASE_KEY")
	if err != nil {
		errs = append(errs, err)
	}

	bufferWindow, err := getEnvInt("BUFFER_WINDOW_SECONDS", 5)
	if err != nil {
		errs = append(errs, err)
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":3004"),
		},
		OpenAI: OpenAIConfig{
			APIKey:          openAIKey,
			BaseURL:         getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			ChatModel:       getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
			VisionModel:     getEnv("OPENAI_VISION_MODEL", "gpt-4o"),
			TranscribeModel: getEnv("OPENAI_TRANSCRIBE_MODEL", "whisper-1"),
			SystemPrompt:    getEnv("SYSTEM_PROMPT", defaultSystemPrompt),
		},
		Evolution: EvolutionConfig{
			URL:    evolutionURL,
			APIKey: evolutionKey,
		},
		Supabase: SupabaseConfig{
			URL:         supabaseURL,
			Key:         supabaseKey,
			DatabaseURL: os.Getenv("SUPABASE_DB_URL"),
		},
		Redis: redisCfg,
		Buffer: BufferConfig{
			Window: time.Duration(bufferWindow) * time.Second,
		},
		Automation: AutomationConfig{
			WebhookURL: os.Getenv("AUTOMATION_WEBHOOK_URL"),
		},
	}

	errs = append(errs, validate(cfg)...)

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	var errs []error

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, err)
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		errs = append(errs, err)
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, joinErrors(errs)
}

func validate(cfg *Config) []error {
	var errs []error
	if cfg.Buffer.Window <= 0 {
		errs = append(errs, errors.New("BUFFER_WINDOW_SECONDS must be > 0"))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
