package runtime

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Package-level validator instance
var validate *validator.Validate

// init initializes the validator and registers custom validation functions
func init() {
	validate = validator.New()

	registerCustomValidators()
}

// Config holds the interpreter settings threaded into every turn.
type Config struct {
	// Debug logs per-turn timings.
	Debug bool `yaml:"debug" default:"false"`
	// LegacyLogic makes `or` / `and` depend on whether operands evaluate,
	// not on their truth value.
	LegacyLogic bool `yaml:"legacy_logic" default:"false"`
	// MaxTransitions bounds the gotos followed inside a single turn.
	MaxTransitions int `yaml:"max_transitions" default:"64" validate:"gte=1,lte=10000"`
	// HistoryLimit is the default page size of history scans.
	HistoryLimit int `yaml:"history_limit" default:"50" validate:"gte=1,lte=1000"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" default:"false"`
	Endpoint    string `yaml:"endpoint" default:"localhost:4317" validate:"required_if=Enabled true,omitempty,hostname_port"`
	Insecure    bool   `yaml:"insecure" default:"true"`
	ServiceName string `yaml:"service_name" default:"chatflow" validate:"required"`
}

// AppConfig is the configuration file of the chatflow server.
type AppConfig struct {
	Addr         string                    `yaml:"addr" default:"0.0.0.0:5000" validate:"hostname_port"`
	BotsDir      string                    `yaml:"bots_dir" default:"bots" validate:"required"`
	Database     string                    `yaml:"database" default:"chatflow.db"`
	MaxBodyBytes int64                     `yaml:"max_body_bytes" default:"8388608" validate:"gte=1024"`
	Engine       Config                    `yaml:"engine"`
	Telemetry    TelemetryConfig           `yaml:"telemetry"`
	Plugins      map[string]map[string]any `yaml:"plugins"`
}

// DefaultConfig returns the engine config with every default applied.
func DefaultConfig() Config {
	var c Config
	_ = defaults.Set(&c)
	return c
}

// LoadAppConfig reads a YAML config file, expands ${VAR} / ${VAR:default}
// references and prepares the result. An empty path yields the defaults.
func LoadAppConfig(path string) (*AppConfig, error) {
	raw := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("error unmarshalling config: %w", err)
		}
	}

	resolved, err := resolveEnvVars(raw)
	if err != nil {
		return nil, err
	}

	var cfg AppConfig
	if err := InitializeConfig(&cfg, resolved.(map[string]any)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// InitializeConfig prepares a config struct in one call:
// defaults → value merging → validation.
func InitializeConfig(config any, rawValues map[string]any) error {
	// Step 1: Apply defaults from struct tags
	if err := ApplyDefaults(config); err != nil {
		slog.Error("Config: failed to apply defaults",
			"config_type", reflect.TypeOf(config).String(),
			"error", err)
		return ConfigErrorf("failed to apply defaults: %v", err)
	}

	// Step 2: Merge raw values (env-expanded literals from the config file)
	if len(rawValues) > 0 {
		if err := mapToStructFromYAML(rawValues, config); err != nil {
			slog.Error("Config: failed to apply config values",
				"config_type", reflect.TypeOf(config).String(),
				"error", err)
			return ConfigErrorf("failed to apply config values: %v", err)
		}
	}

	// Step 3: Validate final config (AFTER rawValues are merged)
	configValue := reflect.ValueOf(config)
	if configValue.Kind() == reflect.Ptr {
		configValue = configValue.Elem()
	}

	if err := validateConfig(configValue.Interface()); err != nil {
		slog.Error("Config validation failed",
			"config_type", reflect.TypeOf(config).String(),
			"error", err)
		return ConfigErrorf("validation failed: %v", err)
	}

	return nil
}

// registerCustomValidators registers framework-provided custom validation functions
func registerCustomValidators() {
	// hostname_port validates "host:port" format with numeric port
	validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		host, port, err := net.SplitHostPort(addr)
		if err != nil || host == "" || port == "" {
			return false
		}
		_, err = net.LookupPort("tcp", port)
		return err == nil
	})

	// url_format validates URL structure
	validate.RegisterValidation("url_format", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		u, err := url.Parse(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	})

	// dsn validates database connection string format
	// Checks for either URL format (scheme://...) or key=value DSN (host=... dbname=...)
	validate.RegisterValidation("dsn", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if strings.Contains(s, "://") {
			_, err := url.Parse(s)
			return err == nil
		}
		return strings.Contains(s, "=")
	})
}

func ApplyDefaults(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := defaults.Set(config); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}

	return nil
}

func validateConfig(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validate.Struct(config); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, fieldErr := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"field '%s' failed validation: %s (rule: %s)",
					fieldErr.Field(),
					fieldErr.Error(),
					fieldErr.Tag(),
				))
			}
			return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errMessages, "\n  - "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// ValidateStruct validates any tagged struct with the shared validator.
// Plugins use it for typed action inputs.
func ValidateStruct(v any) error {
	return validateConfig(v)
}

func RegisterCustomValidator(tag string, fn validator.Func) error {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		return fmt.Errorf("failed to register custom validator '%s': %w", tag, err)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:default} syntax
var envVarPattern = regexp.MustCompile(`^\$\{([A-Z_][A-Z0-9_]*)(:[^}]*)?\}$`)

// resolveEnvVars walks a decoded YAML value and replaces ${VAR} strings
// with environment values.
func resolveEnvVars(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := resolveEnvVars(item)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := resolveEnvVars(item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		return resolveEnvVar(v)
	default:
		return value, nil
	}
}

// resolveEnvVar resolves a single ${VAR} / ${VAR:default} reference.
func resolveEnvVar(strValue string) (any, error) {
	matches := envVarPattern.FindStringSubmatch(strValue)
	if matches == nil {
		return strValue, nil
	}

	varName := matches[1]
	defaultPart := matches[2]

	envValue, exists := os.LookupEnv(varName)
	if exists {
		return envValue, nil
	}

	if defaultPart != "" {
		return strings.TrimPrefix(defaultPart, ":"), nil
	}

	return nil, ConfigErrorf("required environment variable not set: %s", varName)
}
