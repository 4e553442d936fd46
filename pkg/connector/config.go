// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"text/template"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the whole relay configuration.
type Config struct {
	Matrix   MatrixConfig      `yaml:"matrix"`
	Telegram TelegramConfig    `yaml:"telegram"`
	Bridges  []Bridge          `yaml:"bridges"`
	Store    StoreConfig       `yaml:"store"`
	Retry    RetryPolicy       `yaml:"retry"`
	Relay    RelayConfig       `yaml:"relay"`
	Logging  zeroconfig.Config `yaml:"logging"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// MatrixConfig describes the Matrix account the relay acts as.
type MatrixConfig struct {
	Homeserver  string    `yaml:"homeserver"`
	UserID      id.UserID `yaml:"user_id"`
	AccessToken string    `yaml:"access_token"`
	// Password is used to log in when AccessToken is empty. The device ID
	// of that session is remembered in DeviceIDFile so restarts reuse it.
	Password     string `yaml:"password"`
	DeviceIDFile string `yaml:"device_id_file"`
}

// TelegramConfig describes the Telegram bot and its webhook.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// WebhookURL is the public base URL; the bot token is appended to it.
	WebhookURL    string `yaml:"webhook_url"`
	ListenAddress string `yaml:"listen_address"`
	APIEndpoint   string `yaml:"api_endpoint"`
	FileEndpoint  string `yaml:"file_endpoint"`
}

// StoreConfig selects the correspondence backend.
type StoreConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// RelayConfig tunes per-message relaying.
type RelayConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	DisplaynameTemplate string        `yaml:"displayname_template"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults, compiles the displayname template and
// validates the fields the relay cannot run without.
func (c *Config) PostProcess() error {
	if c.Telegram.ListenAddress == "" {
		c.Telegram.ListenAddress = "0.0.0.0:8443"
	}
	if c.Telegram.APIEndpoint == "" {
		c.Telegram.APIEndpoint = tgbotapi.APIEndpoint
	}
	if c.Telegram.FileEndpoint == "" {
		c.Telegram.FileEndpoint = tgbotapi.FileEndpoint
	}
	if c.Store.Type == "" {
		c.Store.Type = "file"
	}
	if c.Store.Path == "" {
		c.Store.Path = "bridged_messages"
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Relay.Timeout <= 0 {
		c.Relay.Timeout = 10 * time.Minute
	}

	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.Relay.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname_template: %w", err)
	}

	switch {
	case c.Matrix.Homeserver == "":
		return fmt.Errorf("matrix.homeserver is required")
	case c.Matrix.UserID == "":
		return fmt.Errorf("matrix.user_id is required")
	case c.Matrix.AccessToken == "" && c.Matrix.Password == "":
		return fmt.Errorf("one of matrix.access_token or matrix.password is required")
	case c.Telegram.Token == "":
		return fmt.Errorf("telegram.token is required")
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "matrix", "homeserver")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str|up.Null, "matrix", "access_token")
	helper.Copy(up.Str|up.Null, "matrix", "password")
	helper.Copy(up.Str, "matrix", "device_id_file")

	helper.Copy(up.Str, "telegram", "token")
	helper.Copy(up.Str, "telegram", "webhook_url")
	helper.Copy(up.Str, "telegram", "listen_address")
	helper.Copy(up.Str, "telegram", "api_endpoint")
	helper.Copy(up.Str, "telegram", "file_endpoint")

	helper.Copy(up.List, "bridges")

	helper.Copy(up.Str, "store", "type")
	helper.Copy(up.Str, "store", "path")

	helper.Copy(up.Str, "retry", "initial_delay")
	helper.Copy(up.Str, "retry", "max_delay")
	helper.Copy(up.Str, "retry", "max_elapsed")

	helper.Copy(up.Str, "relay", "timeout")
	helper.Copy(up.Str, "relay", "displayname_template")

	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config into the embedded example config.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"telegram"},
		{"store"},
		{"retry"},
		{"relay"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// LoadConfig upgrades the config file at path in place and parses it.
func LoadConfig(path string) (*Config, error) {
	data, _, err := up.Do(path, true, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FormatDisplayname generates a display name from the template and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Username
	}
	var buf []byte
	err := c.displaynameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil {
		return params.Username
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
