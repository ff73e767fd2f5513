package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type appConfig struct {
	Addr              string   `mapstructure:"addr"`
	AdminAddr         string   `mapstructure:"admin_addr"`
	AdminCORSOrigins  []string `mapstructure:"admin_cors_origins"`
	CertFile          string   `mapstructure:"cert_file"`
	KeyFile         string `mapstructure:"key_file"`
	RequireClientCert bool `mapstructure:"require_client_cert"`

	DeviceToken string `mapstructure:"device_token"`
	Topic       string `mapstructure:"topic"`

	KeyID              string `mapstructure:"key_id"`
	TeamID             string `mapstructure:"team_id"`
	VerificationKeyFile string `mapstructure:"verification_key_file"`

	EmulateInternalErrors bool `mapstructure:"emulate_internal_errors"`
	LogLevel              string `mapstructure:"log_level"`

	FixturesFile string `mapstructure:"fixtures_file"`

	Service string `mapstructure:"service"`
}

// loadConfig parses flags and environment variables (APNSMOCK_*): pflag for
// the flag set, viper for precedence (flag > env > default), and godotenv
// so a developer's .env file is picked up without exporting variables by
// hand.
func loadConfig(args []string) (*appConfig, error) {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("apnsmock", pflag.ContinueOnError)
	fs.String("addr", ":2197", "address the mock APNs gateway listens on")
	fs.String("admin_addr", ":9100", "address the admin/metrics mux listens on")
	fs.StringSlice("admin_cors_origins", nil, "origins allowed to fetch /metrics and /healthz from a browser (empty disables CORS)")
	fs.String("cert_file", "", "TLS certificate file (PEM)")
	fs.String("key_file", "", "TLS private key file (PEM)")
	fs.Bool("require_client_cert", false, "require and accept client certificates (certificate-based auth)")
	fs.String("device_token", "", "device token to pre-register (64 lowercase hex characters)")
	fs.String("topic", "", "topic the pre-registered device token belongs to")
	fs.String("key_id", "", "provider signing key id to pre-register for token auth")
	fs.String("team_id", "", "team id the pre-registered signing key belongs to")
	fs.String("verification_key_file", "", "PEM-encoded ECDSA public key matching key_id")
	fs.String("fixtures_file", "", "YAML file pre-registering a batch of device tokens and verification keys")
	fs.Bool("emulate_internal_errors", false, "respond 500 to every request")
	fs.String("log_level", "info", "log level: debug, info, warn, error")
	fs.String("service", "", "install, uninstall, start, stop, restart, or run (invoked by the OS service manager); empty runs in the foreground")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("APNSMOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
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
	if c.CertFile == "" || c.KeyFile == "" {
		return fmt.Errorf("cert_file and key_file are required")
	}
	if !fileExists(c.CertFile) {
		return fmt.Errorf("cert_file %q does not exist", c.CertFile)
	}
	if !fileExists(c.KeyFile) {
		return fmt.Errorf("key_file %q does not exist", c.KeyFile)
	}
	if c.DeviceToken != "" && c.Topic == "" {
		return fmt.Errorf("topic is required when device_token is set")
	}
	if c.KeyID != "" && (c.TeamID == "" || c.VerificationKeyFile == "") {
		return fmt.Errorf("team_id and verification_key_file are required when key_id is set")
	}
	if c.FixturesFile != "" && !fileExists(c.FixturesFile) {
		return fmt.Errorf("fixtures_file %q does not exist", c.FixturesFile)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
