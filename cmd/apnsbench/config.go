package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type appConfig struct {
	TargetAddr string `mapstructure:"target_addr"`
	Insecure   bool   `mapstructure:"insecure"`

	DeviceToken string `mapstructure:"device_token"`
	Topic       string `mapstructure:"topic"`

	KeyID              string `mapstructure:"key_id"`
	TeamID             string `mapstructure:"team_id"`
	SigningKeyFile     string `mapstructure:"signing_key_file"`
	ClientCertP12File  string `mapstructure:"client_cert_p12_file"`
	ClientCertPassword string `mapstructure:"client_cert_password"`

	Concurrency int    `mapstructure:"concurrency"`
	Total       int    `mapstructure:"total"`
	PayloadSize int    `mapstructure:"payload_size"`
	LogLevel    string `mapstructure:"log_level"`
}

// loadConfig follows the same flag/env/file precedence as apnsmock's
// config: pflag for the flag set, viper for precedence, godotenv so a
// developer's .env is picked up automatically.
func loadConfig(args []string) (*appConfig, error) {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("apnsbench", pflag.ContinueOnError)
	fs.String("target_addr", "127.0.0.1:2197", "address of the mock (or real) APNs gateway to drive")
	fs.Bool("insecure", true, "skip TLS certificate verification (the mock server's cert is self-signed)")
	fs.String("device_token", "", "device token to push to (64 lowercase hex characters)")
	fs.String("topic", "", "topic the device token belongs to")
	fs.String("key_id", "", "provider signing key id (token auth)")
	fs.String("team_id", "", "team id matching key_id (token auth)")
	fs.String("signing_key_file", "", "PEM-encoded PKCS#8 ECDSA signing key (.p8, token auth)")
	fs.String("client_cert_p12_file", "", "PKCS#12 client certificate bundle (certificate auth)")
	fs.String("client_cert_password", "", "password for client_cert_p12_file")
	fs.Int("concurrency", 50, "number of notifications sent concurrently per batch")
	fs.Int("total", 10000, "total number of notifications to send")
	fs.Int("payload_size", 128, "approximate JSON payload size in bytes")
	fs.String("log_level", "info", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("APNSBENCH")
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	var cfg appConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func (c *appConfig) validate() error {
	if c.TargetAddr == "" {
		return fmt.Errorf("target_addr is required")
	}
	if c.DeviceToken == "" || c.Topic == "" {
		return fmt.Errorf("device_token and topic are required")
	}
	usingToken := c.KeyID != "" || c.TeamID != "" || c.SigningKeyFile != ""
	usingCert := c.ClientCertP12File != ""
	if usingToken == usingCert {
		return fmt.Errorf("exactly one of (key_id, team_id, signing_key_file) or client_cert_p12_file must be set")
	}
	if usingToken {
		if c.KeyID == "" || c.TeamID == "" || c.SigningKeyFile == "" {
			return fmt.Errorf("key_id, team_id, and signing_key_file are all required for token auth")
		}
		if !fileExists(c.SigningKeyFile) {
			return fmt.Errorf("signing_key_file %q does not exist", c.SigningKeyFile)
		}
	}
	if usingCert && !fileExists(c.ClientCertP12File) {
		return fmt.Errorf("client_cert_p12_file %q does not exist", c.ClientCertP12File)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Total <= 0 {
		return fmt.Errorf("total must be positive")
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
