package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Env               string `mapstructure:"ENV"`
	MRNSystem         string `mapstructure:"MRN_SYSTEM"`
	ABHASystem        string `mapstructure:"ABHA_SYSTEM"`
	VLMAPIKey         string `mapstructure:"VLM_API_KEY"`
	VLMBaseURL        string `mapstructure:"VLM_BASE_URL"`
	VLMModel          string `mapstructure:"VLM_MODEL"`
	VLMTimeoutSeconds int    `mapstructure:"VLM_TIMEOUT_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("MRN_SYSTEM", "urn:oid:2.16.840.1.113883.2.1.4.1")
	v.SetDefault("ABHA_SYSTEM", "https://healthid.ndhm.gov.in")
	v.SetDefault("VLM_TIMEOUT_SECONDS", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("MRN_SYSTEM")
	v.BindEnv("ABHA_SYSTEM")
	v.BindEnv("VLM_API_KEY")
	v.BindEnv("VLM_BASE_URL")
	v.BindEnv("VLM_MODEL")
	v.BindEnv("VLM_TIMEOUT_SECONDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.VLMTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("VLM_TIMEOUT_SECONDS must be positive, got %d", cfg.VLMTimeoutSeconds)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}
