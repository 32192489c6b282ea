// Copyright 2020 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	_ "embed"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/juju/errors"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	BlobPOSIX = "posix"
	BlobS3    = "s3"
	BlobGCS   = "gcs"
	BlobAzure = "azure"

	OTPStoreLocal = "local"
	OTPStoreRedis = "redis"
)

// Template is the annotated configuration file written by `bookshelf-server --init`.
//
//go:embed config.toml.template
var Template string

// Config is the configuration for the bookshelf service.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Similarity SimilarityConfig `mapstructure:"similarity"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Server     ServerConfig     `mapstructure:"server"`
	OTP        OTPConfig        `mapstructure:"otp"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// DatabaseConfig is the configuration for the catalog database.
type DatabaseConfig struct {
	DataStore   string `mapstructure:"data_store" validate:"required,data_store"`
	TablePrefix string `mapstructure:"table_prefix"`
}

// SimilarityConfig locates the item-item similarity artifact in the blob store.
type SimilarityConfig struct {
	Artifact       string `mapstructure:"artifact" validate:"required"`
	MinBookRatings int    `mapstructure:"min_book_ratings" validate:"gte=0"`
	MinUserRatings int    `mapstructure:"min_user_ratings" validate:"gte=0"`
}

type BlobConfig struct {
	Type  string          `mapstructure:"type" validate:"oneof=posix s3 gcs azure"`
	POSIX POSIXConfig     `mapstructure:"posix"`
	S3    S3Config        `mapstructure:"s3"`
	GCS   GCSConfig       `mapstructure:"gcs"`
	Azure AzureBlobConfig `mapstructure:"azure"`
}

type POSIXConfig struct {
	Dir string `mapstructure:"dir"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type AzureBlobConfig struct {
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	Endpoint         string `mapstructure:"endpoint"`
	ConnectionString string `mapstructure:"connection_string"`
	Container        string `mapstructure:"container"`
	Prefix           string `mapstructure:"prefix"`
}

// ServerConfig is the configuration for the REST server.
type ServerConfig struct {
	Host            string  `mapstructure:"host"`
	Port            int     `mapstructure:"port" validate:"gt=0,lte=65535"`
	JWTSecret       string  `mapstructure:"jwt_secret"`
	DefaultMaxPrice float64 `mapstructure:"default_max_price" validate:"gte=0"`
	SearchLimit     int     `mapstructure:"search_limit" validate:"gt=0"`
	NumRecommend    int     `mapstructure:"num_recommend" validate:"gt=0"`
}

// OTPConfig is the configuration for e-mail verification codes.
type OTPConfig struct {
	Store    string        `mapstructure:"store" validate:"oneof=local redis"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gt=0"`
	// RateLimit is the number of codes a server issues per minute. Zero
	// disables the limit.
	RateLimit int `mapstructure:"rate_limit" validate:"gte=0"`
}

type TracingConfig struct {
	EnableTracing     bool    `mapstructure:"enable_tracing"`
	Exporter          string  `mapstructure:"exporter" validate:"oneof=zipkin otlp otlphttp"`
	CollectorEndpoint string  `mapstructure:"collector_endpoint"`
	Sampler           string  `mapstructure:"sampler" validate:"oneof=always never ratio"`
	Ratio             float64 `mapstructure:"ratio" validate:"gte=0,lte=1"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DataStore: "sqlite://bookshelf.db",
		},
		Similarity: SimilarityConfig{
			Artifact:       "similarity.bin",
			MinBookRatings: 50,
			MinUserRatings: 200,
		},
		Blob: BlobConfig{
			Type:  BlobPOSIX,
			POSIX: POSIXConfig{Dir: "."},
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            5000,
			DefaultMaxPrice: 40,
			SearchLimit:     100,
			NumRecommend:    5,
		},
		OTP: OTPConfig{
			Store:     OTPStoreLocal,
			TTL:       10 * time.Minute,
			RateLimit: 60,
		},
		Tracing: TracingConfig{
			Exporter: "otlp",
			Sampler:  "always",
			Ratio:    1,
		},
	}
}

func setDefault() {
	defaultConfig := GetDefaultConfig()
	// [database]
	viper.SetDefault("database.data_store", defaultConfig.Database.DataStore)
	// [similarity]
	viper.SetDefault("similarity.artifact", defaultConfig.Similarity.Artifact)
	viper.SetDefault("similarity.min_book_ratings", defaultConfig.Similarity.MinBookRatings)
	viper.SetDefault("similarity.min_user_ratings", defaultConfig.Similarity.MinUserRatings)
	// [blob]
	viper.SetDefault("blob.type", defaultConfig.Blob.Type)
	viper.SetDefault("blob.posix.dir", defaultConfig.Blob.POSIX.Dir)
	// [server]
	viper.SetDefault("server.host", defaultConfig.Server.Host)
	viper.SetDefault("server.port", defaultConfig.Server.Port)
	viper.SetDefault("server.default_max_price", defaultConfig.Server.DefaultMaxPrice)
	viper.SetDefault("server.search_limit", defaultConfig.Server.SearchLimit)
	viper.SetDefault("server.num_recommend", defaultConfig.Server.NumRecommend)
	// [otp]
	viper.SetDefault("otp.store", defaultConfig.OTP.Store)
	viper.SetDefault("otp.ttl", defaultConfig.OTP.TTL)
	viper.SetDefault("otp.rate_limit", defaultConfig.OTP.RateLimit)
	// [tracing]
	viper.SetDefault("tracing.exporter", defaultConfig.Tracing.Exporter)
	viper.SetDefault("tracing.sampler", defaultConfig.Tracing.Sampler)
	viper.SetDefault("tracing.ratio", defaultConfig.Tracing.Ratio)
}

type configBinding struct {
	key string
	env string
}

var bindings = []configBinding{
	{"database.data_store", "BOOKSHELF_DATA_STORE"},
	{"database.table_prefix", "BOOKSHELF_TABLE_PREFIX"},
	{"similarity.artifact", "BOOKSHELF_SIMILARITY_ARTIFACT"},
	{"blob.type", "BOOKSHELF_BLOB_TYPE"},
	{"blob.s3.endpoint", "S3_ENDPOINT"},
	{"blob.s3.access_key_id", "S3_ACCESS_KEY_ID"},
	{"blob.s3.secret_access_key", "S3_SECRET_ACCESS_KEY"},
	{"blob.gcs.credentials_file", "GCS_CREDENTIALS_FILE"},
	{"blob.azure.connection_string", "AZURE_STORAGE_CONNECTION_STRING"},
	{"server.host", "BOOKSHELF_SERVER_HOST"},
	{"server.port", "BOOKSHELF_SERVER_PORT"},
	{"server.jwt_secret", "BOOKSHELF_JWT_SECRET"},
	{"otp.redis_url", "BOOKSHELF_OTP_REDIS_URL"},
}

// LoadConfig loads configuration from a TOML file. Environment variables take
// precedence over the file.
func LoadConfig(path string) (*Config, error) {
	setDefault()
	for _, binding := range bindings {
		if err := viper.BindEnv(binding.key, binding.env); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, errors.Trace(err)
		}
	}
	var conf Config
	if err := viper.Unmarshal(&conf, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, errors.Trace(err)
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &conf, nil
}

var dataStorePrefixes = []string{"mysql://", "postgres://", "postgresql://", "sqlite://", "mongodb://", "mongodb+srv://"}

func (config *Config) Validate() error {
	validate := validator.New()
	if err := validate.RegisterValidation("data_store", func(fl validator.FieldLevel) bool {
		for _, prefix := range dataStorePrefixes {
			if strings.HasPrefix(fl.Field().String(), prefix) {
				return true
			}
		}
		return false
	}); err != nil {
		return errors.Trace(err)
	}
	if config.OTP.Store == OTPStoreRedis && config.OTP.RedisURL == "" {
		return errors.NotValidf("empty otp.redis_url for redis store")
	}
	return validate.Struct(config)
}

// NewTracerProvider creates a tracer provider from the tracing configuration.
func (config *TracingConfig) NewTracerProvider() (trace.TracerProvider, error) {
	if !config.EnableTracing {
		return noop.NewTracerProvider(), nil
	}

	var exporter tracesdk.SpanExporter
	var err error
	switch config.Exporter {
	case "zipkin":
		exporter, err = zipkin.New(config.CollectorEndpoint)
		if err != nil {
			return nil, errors.Trace(err)
		}
	case "otlp":
		client := otlptracegrpc.NewClient(otlptracegrpc.WithInsecure(), otlptracegrpc.WithEndpoint(config.CollectorEndpoint))
		exporter, err = otlptrace.New(context.TODO(), client)
		if err != nil {
			return nil, errors.Trace(err)
		}
	case "otlphttp":
		client := otlptracehttp.NewClient(otlptracehttp.WithInsecure(), otlptracehttp.WithEndpoint(config.CollectorEndpoint))
		exporter, err = otlptrace.New(context.TODO(), client)
		if err != nil {
			return nil, errors.Trace(err)
		}
	default:
		return nil, errors.NotSupportedf("exporter %s", config.Exporter)
	}

	var sampler tracesdk.Sampler
	switch config.Sampler {
	case "always":
		sampler = tracesdk.AlwaysSample()
	case "never":
		sampler = tracesdk.NeverSample()
	case "ratio":
		sampler = tracesdk.TraceIDRatioBased(config.Ratio)
	default:
		return nil, errors.NotSupportedf("sampler %s", config.Sampler)
	}

	return tracesdk.NewTracerProvider(
		tracesdk.WithSampler(sampler),
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "bookshelf"),
		)),
	), nil
}
