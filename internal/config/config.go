package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel           = "gpt-4o-mini"
	DefaultMaxTokens       = 400
	DefaultTemperature     = 0.7
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8085
	DefaultWebhookPath     = "/sms/webhook"
	DefaultBufSize         = 100
	DefaultLanguage        = "en"
	DefaultSignupBonus     = 10
	DefaultPerMinute       = 5
	DefaultPerHour         = 30
	DefaultPerDay          = 200
	DefaultSMSBaseURL      = "https://api.twilio.com"
	DefaultWeatherBaseURL  = "https://api.open-meteo.com"
	DefaultPlacesBaseURL   = "https://maps.googleapis.com/maps/api/place"
	DefaultPlaceMaxResults = 3
)

type Config struct {
	AI      AIConfig      `json:"ai"`
	SMS     SMSConfig     `json:"sms"`
	Weather WeatherConfig `json:"weather"`
	Places  PlacesConfig  `json:"places"`
	Limits  LimitsConfig  `json:"limits"`
	Credits CreditsConfig `json:"credits"`
	Store   StoreConfig   `json:"store"`
}

type AIConfig struct {
	APIKey      string  `json:"apiKey"`
	BaseURL     string  `json:"baseUrl,omitempty"`
	Model       string  `json:"model"`
	VisionModel string  `json:"visionModel,omitempty"` // falls back to Model
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

type SMSConfig struct {
	AccountSID  string `json:"accountSid"`
	AuthToken   string `json:"authToken"`
	From        string `json:"from"`
	BaseURL     string `json:"baseUrl,omitempty"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	WebhookPath string `json:"webhookPath"`
	// Languages maps a receiving number to the language assigned to new
	// accounts that first text it, e.g. {"+46710000000": "sv"}.
	Languages       map[string]string `json:"languages,omitempty"`
	DefaultLanguage string            `json:"defaultLanguage"`
	// AllowFrom restricts inbound senders. Empty admits everyone.
	AllowFrom []string `json:"allowFrom,omitempty"`
}

type WeatherConfig struct {
	BaseURL string `json:"baseUrl"`
}

type PlacesConfig struct {
	APIKey     string `json:"apiKey"`
	BaseURL    string `json:"baseUrl"`
	MaxResults int    `json:"maxResults"`
}

type LimitsConfig struct {
	PerMinute int `json:"perMinute"`
	PerHour   int `json:"perHour"`
	PerDay    int `json:"perDay"`
}

type CreditsConfig struct {
	SignupBonus int `json:"signupBonus"`
}

type StoreConfig struct {
	Path string `json:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
		},
		SMS: SMSConfig{
			BaseURL:         DefaultSMSBaseURL,
			Host:            DefaultHost,
			Port:            DefaultPort,
			WebhookPath:     DefaultWebhookPath,
			DefaultLanguage: DefaultLanguage,
		},
		Weather: WeatherConfig{
			BaseURL: DefaultWeatherBaseURL,
		},
		Places: PlacesConfig{
			BaseURL:    DefaultPlacesBaseURL,
			MaxResults: DefaultPlaceMaxResults,
		},
		Limits: LimitsConfig{
			PerMinute: DefaultPerMinute,
			PerHour:   DefaultPerHour,
			PerDay:    DefaultPerDay,
		},
		Credits: CreditsConfig{
			SignupBonus: DefaultSignupBonus,
		},
		Store: StoreConfig{
			Path: filepath.Join(ConfigDir(), "data", "textpilot.db"),
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".textpilot")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("TEXTPILOT_AI_API_KEY"); key != "" {
		cfg.AI.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.AI.APIKey == "" {
		cfg.AI.APIKey = key
	}
	if url := os.Getenv("TEXTPILOT_AI_BASE_URL"); url != "" {
		cfg.AI.BaseURL = url
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" && cfg.AI.BaseURL == "" {
		cfg.AI.BaseURL = url
	}
	if model := os.Getenv("TEXTPILOT_AI_MODEL"); model != "" {
		cfg.AI.Model = model
	}
	if sid := os.Getenv("TEXTPILOT_SMS_ACCOUNT_SID"); sid != "" {
		cfg.SMS.AccountSID = sid
	}
	if sid := os.Getenv("TWILIO_ACCOUNT_SID"); sid != "" && cfg.SMS.AccountSID == "" {
		cfg.SMS.AccountSID = sid
	}
	if token := os.Getenv("TEXTPILOT_SMS_AUTH_TOKEN"); token != "" {
		cfg.SMS.AuthToken = token
	}
	if token := os.Getenv("TWILIO_AUTH_TOKEN"); token != "" && cfg.SMS.AuthToken == "" {
		cfg.SMS.AuthToken = token
	}
	if from := os.Getenv("TEXTPILOT_SMS_FROM"); from != "" {
		cfg.SMS.From = from
	}
	if port := os.Getenv("TEXTPILOT_SMS_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.SMS.Port = parsed
		}
	}
	if key := os.Getenv("TEXTPILOT_PLACES_API_KEY"); key != "" {
		cfg.Places.APIKey = key
	}
	if key := os.Getenv("GOOGLE_PLACES_API_KEY"); key != "" && cfg.Places.APIKey == "" {
		cfg.Places.APIKey = key
	}
	if path := os.Getenv("TEXTPILOT_STORE_PATH"); path != "" {
		cfg.Store.Path = path
	}

	if cfg.AI.Model == "" {
		cfg.AI.Model = DefaultModel
	}
	if cfg.AI.MaxTokens <= 0 {
		cfg.AI.MaxTokens = DefaultMaxTokens
	}
	if cfg.SMS.BaseURL == "" {
		cfg.SMS.BaseURL = DefaultSMSBaseURL
	}
	if cfg.SMS.WebhookPath == "" {
		cfg.SMS.WebhookPath = DefaultWebhookPath
	}
	if cfg.SMS.DefaultLanguage == "" {
		cfg.SMS.DefaultLanguage = DefaultLanguage
	}
	if cfg.Weather.BaseURL == "" {
		cfg.Weather.BaseURL = DefaultWeatherBaseURL
	}
	if cfg.Places.BaseURL == "" {
		cfg.Places.BaseURL = DefaultPlacesBaseURL
	}
	if cfg.Places.MaxResults <= 0 {
		cfg.Places.MaxResults = DefaultPlaceMaxResults
	}
	if cfg.Limits.PerMinute <= 0 {
		cfg.Limits.PerMinute = DefaultPerMinute
	}
	if cfg.Limits.PerHour <= 0 {
		cfg.Limits.PerHour = DefaultPerHour
	}
	if cfg.Limits.PerDay <= 0 {
		cfg.Limits.PerDay = DefaultPerDay
	}
	if cfg.Credits.SignupBonus < 0 {
		cfg.Credits.SignupBonus = DefaultSignupBonus
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultConfig().Store.Path
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// Language returns the account language for a receiving number.
func (c SMSConfig) Language(to string) string {
	if lang, ok := c.Languages[to]; ok && lang != "" {
		return lang
	}
	return c.DefaultLanguage
}
