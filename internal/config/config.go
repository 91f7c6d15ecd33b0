package config

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/catbird-blue/nest/internal/logger"
)

const (
	EnvProd = "production"
	EnvDev  = "development"
	EnvTest = "test"
)

// Config holds gateway configuration loaded from environment variables or a
// config file.
type Config struct {
	AppEnv   string `mapstructure:"app_env" default:"development" validate:"required,oneof=development production test"`
	LogLevel string `mapstructure:"log_level" default:"INFO" validate:"oneof=DEBUG INFO WARN ERROR"`

	Server ServerConfig `mapstructure:"server"`
	Redis  RedisConfig  `mapstructure:"redis"`
	OAuth  OAuthConfig  `mapstructure:"oauth"`
	MLS    MLSConfig    `mapstructure:"mls"`
}

// ServerConfig configures the listening socket and the public base URL used
// in OAuth metadata and the did:web document.
type ServerConfig struct {
	Host    string `mapstructure:"host" default:"127.0.0.1"`
	Port    string `mapstructure:"port" default:"3000" validate:"required"`
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
}

// RedisConfig configures session storage.
type RedisConfig struct {
	URL               string `mapstructure:"url" default:"redis://127.0.0.1:6379"`
	KeyPrefix         string `mapstructure:"key_prefix" default:"catbird:"`
	SessionTTLSeconds int    `mapstructure:"session_ttl_seconds" default:"2592000" validate:"min=60"`
}

// OAuthConfig configures the confidential-client identity.
type OAuthConfig struct {
	ClientID       string   `mapstructure:"client_id" validate:"required,url"`
	RedirectURI    string   `mapstructure:"redirect_uri" validate:"required,url"`
	AppRedirectURI string   `mapstructure:"app_redirect_uri" default:"https://catbird.blue/oauth/callback"`
	Scopes         []string `mapstructure:"scopes"`

	// Signing keys. PrivateKeyPaths is the multi-key form; the single-path
	// and base64 forms are legacy.
	PrivateKeyPaths  []string `mapstructure:"private_key_paths"`
	PrivateKeyPath   string   `secret:"true" mapstructure:"private_key_path"`
	PrivateKeyBase64 string   `secret:"true" mapstructure:"private_key_base64"`
	ActiveKeyID      string   `mapstructure:"active_key_id"`
}

// MLSConfig configures the direct route to the companion messaging service.
// All fields optional; the route is disabled unless ServiceURL and GatewayDID
// are both set.
type MLSConfig struct {
	ServiceURL string `mapstructure:"service_url" validate:"omitempty,url"`
	GatewayDID string `mapstructure:"gateway_did"`
	ServiceDID string `mapstructure:"service_did"`
}

// DefaultScopes are requested when oauth.scopes is not configured.
var DefaultScopes = []string{"atproto", "transition:generic"}

// Load loads configuration from config file and environment variables using viper.
func Load() *Config {
	cfg := Config{}

	v := viper.New()
	v.SetEnvPrefix("CATBIRD")
	v.AutomaticEnv()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__", "-", "__"))

	if err := defaults.Set(&cfg); err != nil {
		panic("failed to set struct defaults: " + err.Error())
	}

	for _, key := range bindableKeys(reflect.TypeOf(cfg), "") {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logger.Error("Error reading config file", "error", err)
		}
		logger.Warn("No config file found, using environment variables")
	}

	if err := v.Unmarshal(&cfg); err != nil {
		logger.Warn("Could not unmarshal config", "error", err)
	}

	if len(cfg.OAuth.Scopes) == 0 {
		cfg.OAuth.Scopes = append([]string(nil), DefaultScopes...)
	}

	logger.Info("Loaded config", "config", cfg.String())

	return &cfg
}

// Validate checks the loaded configuration.
func Validate(cfg *Config) error {
	validate := validator.New()
	return validate.Struct(cfg)
}

// IsDev reports whether the gateway runs in development mode. Controls cookie
// Secure flags and whether the SSRF validator admits localhost targets.
func (c *Config) IsDev() bool {
	return c.AppEnv == EnvDev
}

// String returns a string representation of the config with secret fields redacted.
func (c *Config) String() string {
	var sb strings.Builder
	writeStruct(&sb, reflect.ValueOf(*c))
	return sb.String()
}

func writeStruct(sb *strings.Builder, v reflect.Value) {
	t := v.Type()
	sb.WriteString(t.Name() + "{")
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		sb.WriteString(field.Name + ": ")
		switch {
		case field.Tag.Get("secret") == "true":
			sb.WriteString("***REDACTED***")
		case value.Kind() == reflect.Struct:
			writeStruct(sb, value)
		default:
			sb.WriteString(fmt.Sprintf("%v", value.Interface()))
		}
		if i < t.NumField()-1 {
			sb.WriteString(", ")
		}
	}
	sb.WriteString("}")
}

// bindableKeys walks the config struct and returns the dotted viper keys so
// environment variables bind for fields absent from the config file.
func bindableKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" {
			key = toSnakeCase(field.Name)
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if field.Type.Kind() == reflect.Struct {
			keys = append(keys, bindableKeys(field.Type, key)...)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// toSnakeCase converts CamelCase to snake_case
func toSnakeCase(str string) string {
	runes := []rune(str)
	var out []rune
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if !unicode.IsUpper(prev) || nextLower {
				out = append(out, '_')
			}
		}
		out = append(out, unicode.ToLower(r))
	}
	return string(out)
}
