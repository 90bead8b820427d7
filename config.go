// config.go: Configuration loading, validation, and logger construction.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pagecrypt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// validate is a singleton validator instance
var validate = validator.New()

// Config selects the cryptographic suite and ambient behaviour of engines.
//
// Example YAML:
//
//	cipher: xchacha20-poly1305
//	kdf: argon2id
//	kdf_params:
//	  time: 3
//	  memory: 64
//	  threads: 4
//	log_level: info
type Config struct {
	// Cipher is the page suite.
	Cipher string `json:"cipher" yaml:"cipher" validate:"required,oneof=aes-256-gcm xchacha20-poly1305"`

	// KDF derives wrapping keys from caller-supplied wrapping key bytes.
	KDF string `json:"kdf" yaml:"kdf" validate:"required,oneof=argon2id hkdf-sha256 pbkdf2-sha256"`

	// KDFParams tunes Argon2id. Nil selects the defaults.
	KDFParams *KDFParams `json:"kdf_params,omitempty" yaml:"kdf_params,omitempty"`

	// PBKDF2Iterations applies to pbkdf2-sha256.
	PBKDF2Iterations int `json:"pbkdf2_iterations,omitempty" yaml:"pbkdf2_iterations,omitempty" validate:"omitempty,min=10000,max=10000000"`

	// LogLevel is a logrus level name. Empty disables logging.
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
}

// DefaultConfig returns AES-256-GCM pages with Argon2id wrapping and logging disabled.
func DefaultConfig() *Config {
	return &Config{
		Cipher: CipherAES256GCM,
		KDF:    KDFArgon2ID,
	}
}

// LoadConfig reads a YAML configuration file. Missing fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied configuration path
	if err != nil {
		return nil, wrapError(ErrInvalidConfig, err, ErrCodeConfig, "failed to read configuration file")
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration and validates it.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, wrapError(ErrInvalidConfig, err, ErrCodeConfig, "failed to parse configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration, nested KDFParams included, against its struct tags.
func (c *Config) Validate() error {
	if c == nil {
		return newError(ErrInvalidConfig, ErrCodeConfig, "configuration cannot be nil")
	}
	if err := validate.Struct(c); err != nil {
		return wrapError(ErrInvalidConfig, formatValidationError(err), ErrCodeConfig, "configuration validation failed")
	}
	return nil
}

// formatValidationError flattens validator errors into one readable error.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// DataCryptoOptions converts the configuration into capability options.
func (c *Config) DataCryptoOptions() *DataCryptoOptions {
	return &DataCryptoOptions{
		Cipher:           c.Cipher,
		KDF:              c.KDF,
		KDFParams:        c.KDFParams,
		PBKDF2Iterations: c.PBKDF2Iterations,
	}
}

// NewLogger builds a logrus logger for the configured level, writing JSON to out.
// An empty level yields a logger that discards everything.
func (c *Config) NewLogger(out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if c == nil || c.LogLevel == "" {
		logger.SetOutput(io.Discard)
		return logger, nil
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, wrapError(ErrInvalidConfig, err, ErrCodeConfig, "invalid log level")
	}
	logger.SetLevel(level)
	logger.SetOutput(out)
	return logger, nil
}

// discardLogger is the default engine logger. The library stays silent unless given one.
func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
