package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the API server configuration, parsed from the environment.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite.db"`
	APIPort     string `env:"API_PORT" envDefault:"8001"`

	FlowiseURL          string        `env:"FLOWISE_URL,notEmpty,required"`
	FlowiseTitleTimeout time.Duration `env:"FLOWISE_TITLE_TIMEOUT" envDefault:"2200ms"`

	// Attachment storage is optional; without an endpoint uploads are
	// forwarded upstream inline and no public URLs are recorded.
	S3EndpointURL        string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID        string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey    string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region             string `env:"AWS_REGION" envDefault:"us-east-1"`
	AttachmentBucketName string `env:"ATTACHMENT_BUCKET_NAME" envDefault:"attachments"`
	AttachmentPublicURL  string `env:"ATTACHMENT_PUBLIC_URL"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}
	if cfg.S3EndpointURL != "" && (cfg.S3AccessKeyID == "" || cfg.S3SecretAccessKey == "") {
		return Config{}, fmt.Errorf("S3_ENDPOINT_URL is set but credentials are missing")
	}
	return cfg, nil
}

// AttachmentsEnabled reports whether an object store is configured.
func (c Config) AttachmentsEnabled() bool {
	return c.S3EndpointURL != ""
}
