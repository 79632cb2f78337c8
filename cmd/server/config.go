package main

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mbaillet/chatvox/internal/chat"
)

type openAIConfig struct {
	APIKey     string `yaml:"apiKey" env:"OPENAI_API_KEY"`
	BaseURL    string `yaml:"baseURL" env:"OPENAI_BASE_URL"`
	Model      string `yaml:"model" env:"OPENAI_MODEL" env-default:"gpt-4o-mini"`
	TitleModel string `yaml:"titleModel" env:"OPENAI_TITLE_MODEL"`
}

type ttsConfig struct {
	Enabled bool   `yaml:"enabled" env:"TTS_ENABLED"`
	Model   string `yaml:"model" env:"TTS_MODEL" env-default:"tts-1"`
	Voice   string `yaml:"voice" env:"TTS_VOICE" env-default:"alloy"`
}

type storeConfig struct {
	Backend   string `yaml:"backend" env:"STORE_BACKEND" env-default:"bolt"`
	BoltPath  string `yaml:"boltPath" env:"STORE_BOLT_PATH"`
	RedisAddr string `yaml:"redisAddr" env:"STORE_REDIS_ADDR" env-default:"localhost:6379"`
}

type config struct {
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	LogLevel string `yaml:"logLevel" env:"LOG_LEVEL" env-default:"info"`

	// Provider selects the completer: "openai" or "ollama". Audio and model listing always go
	// through OpenAI.
	Provider   string `yaml:"provider" env:"PROVIDER" env-default:"openai"`
	OllamaHost string `yaml:"ollamaHost" env:"OLLAMA_HOST" env-default:"http://localhost:11434"`

	UseStreaming       bool `yaml:"useStreaming" env:"USE_STREAMING"`
	HistoryTokenBudget int  `yaml:"historyTokenBudget" env:"HISTORY_TOKEN_BUDGET"`

	AudioSpoolDir string `yaml:"audioSpoolDir" env:"AUDIO_SPOOL_DIR"`

	OpenAI openAIConfig `yaml:"openai"`
	TTS    ttsConfig    `yaml:"tts"`
	Store  storeConfig  `yaml:"store"`
}

// loadConfig reads the yaml config file when present, then applies environment overrides. A
// missing file is fine; the environment alone can carry the whole configuration.
func loadConfig(path string) (config, error) {
	var cfg config

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return config{}, fmt.Errorf("error reading config file: %w", err)
		}
		return cfg, nil
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return config{}, fmt.Errorf("error reading environment: %w", err)
	}
	return cfg, nil
}

// Snapshot implements chat.SettingsProvider. Each turn captures this value at its start, so a
// config reload can never retroactively change an in-flight turn.
func (c config) Snapshot() chat.Settings {
	return chat.Settings{
		APIKey:             c.OpenAI.APIKey,
		Model:              c.OpenAI.Model,
		TitleModel:         c.OpenAI.TitleModel,
		UseStreaming:       c.UseStreaming,
		TTSEnabled:         c.TTS.Enabled,
		TTSModel:           c.TTS.Model,
		TTSVoice:           c.TTS.Voice,
		HistoryTokenBudget: c.HistoryTokenBudget,
	}
}
