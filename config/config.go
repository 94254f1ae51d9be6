// mediaforge/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	KeyPrefix     string `mapstructure:"KEY_PREFIX"`

	MaxConcurrency int           `mapstructure:"MAX_CONCURRENCY"`
	JobTimeout     time.Duration `mapstructure:"JOB_TIMEOUT"`
	JobMaxRetry    int           `mapstructure:"JOB_MAX_RETRY"`
	FetchTimeout   time.Duration `mapstructure:"FETCH_TIMEOUT"`
	MaxInputSize   int64         `mapstructure:"MAX_INPUT_SIZE"`
	RecordTTL      time.Duration `mapstructure:"RECORD_TTL"`

	ThrottleCPU     float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem int64   `mapstructure:"THROTTLE_FREEMEM"`

	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`

	S3Bucket     string `mapstructure:"S3_BUCKET"`
	S3Region     string `mapstructure:"S3_REGION"`
	S3Endpoint   string `mapstructure:"S3_ENDPOINT"`
	S3PublicBase string `mapstructure:"S3_PUBLIC_BASE"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to time.Duration.
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		// It is a string -> time.Duration. Parse it.
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// We only care about converting strings to int64s for byte sizes.
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("REDIS_ADDR", "localhost:6379")
	vp.SetDefault("REDIS_PASSWORD", "")
	vp.SetDefault("REDIS_DB", 0)
	vp.SetDefault("KEY_PREFIX", "mediaforge")
	vp.SetDefault("MAX_CONCURRENCY", 4)
	vp.SetDefault("JOB_TIMEOUT", "10m")
	vp.SetDefault("JOB_MAX_RETRY", 3)
	vp.SetDefault("FETCH_TIMEOUT", "1m")
	vp.SetDefault("MAX_INPUT_SIZE", "200MB")
	vp.SetDefault("RECORD_TTL", "72h")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "0B")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("S3_BUCKET", "mediaforge")
	vp.SetDefault("S3_REGION", "us-east-1")
	vp.SetDefault("S3_ENDPOINT", "")
	vp.SetDefault("S3_PUBLIC_BASE", "")

	// Load from config file
	vp.SetConfigName("mediaforge_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/mediaforge/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("MEDIAFORGE")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// Unmarshal the config, providing our custom composed hooks.
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
