package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Provider loads a Config. Precedence, lowest first: field defaults, config
// file, secrets file, environment, explicitly set flags.
type Provider struct {
	configFile  string
	secretsFile string
	envPrefix   string
	flags       *pflag.FlagSet
	v           *viper.Viper
	secrets     map[string]interface{}
}

// NewProvider returns a provider reading configFile (optional) and env vars
// under envPrefix.
func NewProvider(configFile, envPrefix string) *Provider {
	if strings.TrimSpace(envPrefix) == "" {
		envPrefix = DefaultEnvPrefix
	}
	return &Provider{
		configFile: strings.TrimSpace(configFile),
		envPrefix:  strings.ToUpper(strings.TrimSpace(envPrefix)),
		v:          viper.New(),
	}
}

// WithFlags makes flags registered with RegisterFlags override everything else.
func (p *Provider) WithFlags(flags *pflag.FlagSet) *Provider {
	p.flags = flags
	return p
}

// WithSecretsFile reads secrets from path instead of discovering the file.
func (p *Provider) WithSecretsFile(path string) *Provider {
	p.secretsFile = strings.TrimSpace(path)
	return p
}

// ConfigFile returns the config file path, or empty when none is used.
func (p *Provider) ConfigFile() string {
	return p.configFile
}

// Load fills cfg and validates it.
func (p *Provider) Load(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config target is required")
	}
	p.v = viper.New()
	p.secrets = nil

	fields, err := collectConfigFields(cfg)
	if err != nil {
		return err
	}
	for _, field := range fields {
		defaultValue, err := parseStringByType(field.Default, field.Type)
		if err != nil {
			return fmt.Errorf("invalid default for %s: %w", field.Key, err)
		}
		p.v.SetDefault(field.Key, defaultValue)
	}

	if p.configFile != "" {
		p.v.SetConfigFile(p.configFile)
		if err := p.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", p.configFile, err)
		}
	}

	secretsFile, err := p.discoverSecretsFile()
	if err != nil {
		return err
	}
	if secretsFile != "" {
		secretsViper := viper.New()
		secretsViper.SetConfigFile(secretsFile)
		if err := secretsViper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read secrets file %s: %w", secretsFile, err)
		}
		p.secrets = secretsViper.AllSettings()
		if err := p.v.MergeConfigMap(p.secrets); err != nil {
			return fmt.Errorf("failed to merge secrets: %w", err)
		}
	}

	p.v.SetEnvPrefix(p.envPrefix)
	p.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	p.v.AutomaticEnv()
	for _, field := range fields {
		if len(field.Env) == 0 {
			continue
		}
		args := append([]string{field.Key}, field.Env...)
		if err := p.v.BindEnv(args...); err != nil {
			return err
		}
	}

	if p.flags != nil {
		for _, field := range fields {
			if field.Flag == "" {
				continue
			}
			flag := p.flags.Lookup(field.Flag)
			if flag == nil || !flag.Changed {
				continue
			}
			parsed, err := parseStringByType(flag.Value.String(), field.Type)
			if err != nil {
				return fmt.Errorf("invalid value for --%s: %w", field.Flag, err)
			}
			p.v.Set(field.Key, parsed)
		}
	}

	if err := p.v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// AllSettings returns the effective merged settings of the last Load.
func (p *Provider) AllSettings() map[string]interface{} {
	if p == nil || p.v == nil {
		return map[string]interface{}{}
	}
	return p.v.AllSettings()
}

// Secrets returns the settings read from the secrets file, if any.
func (p *Provider) Secrets() map[string]interface{} {
	return p.secrets
}

// discoverSecretsFile returns the explicit secrets file, else
// <PREFIX>_SECRETS_FILE when set, else a secrets.<ext> next to the config file.
func (p *Provider) discoverSecretsFile() (string, error) {
	if p.secretsFile != "" {
		return p.secretsFile, checkSecretsFile("secrets file", p.secretsFile)
	}
	secretsEnv := p.envPrefix + "_SECRETS_FILE"
	if raw, ok := os.LookupEnv(secretsEnv); ok {
		secretsFile := strings.TrimSpace(raw)
		if secretsFile == "" {
			return "", fmt.Errorf("%s is set but empty", secretsEnv)
		}
		return secretsFile, checkSecretsFile(secretsEnv, secretsFile)
	}

	if p.configFile != "" {
		secretsFile := filepath.Join(filepath.Dir(p.configFile), "secrets"+filepath.Ext(p.configFile))
		if info, err := os.Stat(secretsFile); err == nil && !info.IsDir() {
			return secretsFile, nil
		}
	}
	return "", nil
}

func checkSecretsFile(source, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s points to an inaccessible file %s: %w", source, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory %s", source, path)
	}
	return nil
}

// RegisterFlags registers a flag for every field of target carrying a flag tag.
func RegisterFlags(flags *pflag.FlagSet, target interface{}) error {
	fields, err := collectConfigFields(target)
	if err != nil {
		return err
	}

	for _, field := range fields {
		if field.Flag == "" || flags.Lookup(field.Flag) != nil {
			continue
		}
		usage := field.Usage
		if usage == "" {
			usage = "configuration override for " + field.Key
		}
		defaultValue, err := parseStringByType(field.Default, field.Type)
		if err != nil {
			return err
		}

		switch field.Type.Kind() {
		case reflect.String:
			flags.String(field.Flag, defaultValue.(string), usage)
		case reflect.Bool:
			flags.Bool(field.Flag, defaultValue.(bool), usage)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if isDurationType(field.Type) {
				flags.Duration(field.Flag, defaultValue.(time.Duration), usage)
			} else {
				flags.Int64(field.Flag, defaultValue.(int64), usage)
			}
		case reflect.Float32, reflect.Float64:
			flags.Float64(field.Flag, defaultValue.(float64), usage)
		case reflect.Slice:
			if field.Type.Elem().Kind() == reflect.String {
				flags.StringSlice(field.Flag, defaultValue.([]string), usage)
			}
		}
	}
	return nil
}

type configField struct {
	Key     string
	Env     []string
	Flag    string
	Default string
	Usage   string
	Type    reflect.Type
}

func collectConfigFields(target interface{}) ([]configField, error) {
	value := reflect.ValueOf(target)
	if value.Kind() != reflect.Ptr || value.IsNil() {
		return nil, fmt.Errorf("config target must be a non-nil pointer")
	}
	elem := value.Elem()
	if elem.Kind() != reflect.Struct {
		return nil, fmt.Errorf("config target must point to a struct")
	}

	fields := make([]configField, 0, elem.NumField())
	collectFieldsRecursive(elem.Type(), "", &fields)
	return fields, nil
}

func collectFieldsRecursive(structType reflect.Type, prefix string, out *[]configField) {
	for index := 0; index < structType.NumField(); index++ {
		field := structType.Field(index)
		if field.PkgPath != "" {
			continue
		}
		mapKey, skip := parseMapstructureTag(field.Tag.Get("mapstructure"))
		if skip {
			continue
		}
		if mapKey == "" {
			mapKey = toSnakeCase(field.Name)
		}

		fullKey := mapKey
		if prefix != "" {
			fullKey = prefix + "." + mapKey
		}

		if field.Type.Kind() == reflect.Struct && !isDurationType(field.Type) {
			collectFieldsRecursive(field.Type, fullKey, out)
			continue
		}

		*out = append(*out, configField{
			Key:     fullKey,
			Env:     parseListTag(field.Tag.Get("env")),
			Flag:    strings.TrimSpace(field.Tag.Get("flag")),
			Default: strings.TrimSpace(field.Tag.Get("default")),
			Usage:   strings.TrimSpace(field.Tag.Get("flag_usage")),
			Type:    field.Type,
		})
	}
}

func isDurationType(t reflect.Type) bool {
	return t.PkgPath() == "time" && t.Name() == "Duration"
}

func parseStringByType(value string, fieldType reflect.Type) (interface{}, error) {
	trimmed := strings.TrimSpace(value)
	switch fieldType.Kind() {
	case reflect.String:
		return trimmed, nil
	case reflect.Bool:
		if trimmed == "" {
			return false, nil
		}
		return strconv.ParseBool(trimmed)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if isDurationType(fieldType) {
			if trimmed == "" {
				return time.Duration(0), nil
			}
			return time.ParseDuration(trimmed)
		}
		if trimmed == "" {
			return int64(0), nil
		}
		return strconv.ParseInt(trimmed, 10, 64)
	case reflect.Float32, reflect.Float64:
		if trimmed == "" {
			return float64(0), nil
		}
		return strconv.ParseFloat(trimmed, 64)
	case reflect.Slice:
		if fieldType.Elem().Kind() == reflect.String {
			return parseStringSlice(trimmed), nil
		}
	}
	return nil, fmt.Errorf("unsupported field type %s", fieldType.String())
}

func parseStringSlice(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return []string{}
	}

	normalized := strings.TrimPrefix(strings.TrimSuffix(trimmed, "]"), "[")
	normalized = strings.NewReplacer(",", " ", ";", " ", "\n", " ", "\t", " ").Replace(normalized)
	return strings.Fields(normalized)
}

func parseMapstructureTag(tag string) (string, bool) {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" {
		return "", false
	}
	key := strings.TrimSpace(strings.Split(trimmed, ",")[0])
	if key == "-" {
		return "", true
	}
	return key, false
}

func parseListTag(tag string) []string {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" {
		return nil
	}
	rawParts := strings.Split(trimmed, ",")
	result := make([]string, 0, len(rawParts))
	for _, part := range rawParts {
		if value := strings.TrimSpace(part); value != "" {
			result = append(result, value)
		}
	}
	return result
}

func toSnakeCase(input string) string {
	if input == "" {
		return input
	}
	var out strings.Builder
	out.Grow(len(input) + 8)
	for index, runeValue := range input {
		if index > 0 && isWordBoundary(input, index, runeValue) {
			out.WriteByte('_')
		}
		out.WriteRune(unicode.ToLower(runeValue))
	}
	return out.String()
}

func isWordBoundary(value string, index int, r rune) bool {
	if !unicode.IsUpper(r) {
		return false
	}
	prev := rune(value[index-1])
	if unicode.IsUpper(prev) {
		if index+1 < len(value) {
			return unicode.IsLower(rune(value[index+1]))
		}
		return false
	}
	return true
}
