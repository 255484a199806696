package llm

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/go-viper/mapstructure/v2"
	"github.com/nulzo/provider-gateway/pkg/api"
)

const (
	DefaultTimeout    = 60 * time.Second
	DefaultMaxRetries = 3
)

// Config holds the connection settings of one provider instance. It is a
// value: updates replace it wholesale.
type Config struct {
	ID                string            `mapstructure:"id" validate:"required"`
	Type              ProviderType      `mapstructure:"type" validate:"required"`
	Name              string            `mapstructure:"name"`
	APIKey            string            `mapstructure:"api_key" validate:"required_unless=Type ollama"`
	BaseURL           string            `mapstructure:"base_url" validate:"omitempty,http_url"`
	Timeout           time.Duration     `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries        int               `mapstructure:"max_retries" validate:"gte=0"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second" validate:"gte=0"`
	MaxConnsPerHost   int               `mapstructure:"max_conns_per_host" validate:"gte=0"`
	Extras            map[string]string `mapstructure:"extras"`
	Models            []string          `mapstructure:"models"`
}

// Extra returns an adapter specific setting.
func (c Config) Extra(key string) string {
	return c.Extras[key]
}

// Clone returns a copy that shares no maps or slices with c.
func (c Config) Clone() Config {
	c.Extras = maps.Clone(c.Extras)
	c.Models = append([]string(nil), c.Models...)
	return c
}

// DisplayName falls back to the id when no name was configured.
func (c Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
	trans        ut.Translator
)

func configValidator() (*validator.Validate, ut.Translator) {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})

		locale := en.New()
		uni := ut.New(locale, locale)
		trans, _ = uni.GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(validate, trans)
	})
	return validate, trans
}

// Validate checks the invariants every adapter relies on: a credential
// unless the backend is local, an http(s) base URL, a positive timeout and
// non-negative retries.
func (c Config) Validate() error {
	v, tr := configValidator()
	err := v.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return api.ConfigurationError(err.Error(), api.WithProvider(c.ID), api.WithLog(err))
	}

	fields := make(map[string]string, len(verrs))
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Translate(tr)
		fields[fe.Field()] = msg
		msgs = append(msgs, msg)
	}
	return api.ConfigurationError(
		fmt.Sprintf("invalid configuration for provider '%s': %s", c.ID, strings.Join(msgs, "; ")),
		api.WithProvider(c.ID),
		api.WithExtension("errors", fields),
	)
}

// DecodeConfig turns a stored settings map into a validated Config. Numeric
// durations are read as seconds; strings use time.ParseDuration syntax.
func DecodeConfig(id string, providerType ProviderType, settings map[string]interface{}) (Config, error) {
	cfg := Config{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return Config{}, api.InternalError("failed to build config decoder", err)
	}
	if err := dec.Decode(settings); err != nil {
		return Config{}, api.ConfigurationError(
			fmt.Sprintf("invalid configuration for provider '%s': %v", id, err),
			api.WithProvider(id), api.WithLog(err))
	}

	cfg.ID = id
	cfg.Type = providerType
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ToSettings is the inverse of DecodeConfig, used when persisting.
func (c Config) ToSettings() map[string]interface{} {
	out := map[string]interface{}{
		"max_retries": c.MaxRetries,
		"timeout":     c.Timeout.String(),
	}
	if c.Name != "" {
		out["name"] = c.Name
	}
	if c.APIKey != "" {
		out["api_key"] = c.APIKey
	}
	if c.BaseURL != "" {
		out["base_url"] = c.BaseURL
	}
	if c.RequestsPerSecond > 0 {
		out["requests_per_second"] = c.RequestsPerSecond
	}
	if c.MaxConnsPerHost > 0 {
		out["max_conns_per_host"] = c.MaxConnsPerHost
	}
	if len(c.Extras) > 0 {
		extras := make(map[string]interface{}, len(c.Extras))
		for k, v := range c.Extras {
			extras[k] = v
		}
		out["extras"] = extras
	}
	if len(c.Models) > 0 {
		models := make([]interface{}, len(c.Models))
		for i, m := range c.Models {
			models[i] = m
		}
		out["models"] = models
	}
	return out
}

var durationType = reflect.TypeOf(time.Duration(0))

func secondsToDurationHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	}
	return data, nil
}
