// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package agent holds the configuration of the sealogd process.
package agent

import (
	"net"
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/oceandatatools/sealog/core/topic"
	"github.com/oceandatatools/sealog/internal/notify"
)

// JWTSecretEnvKey overrides the configured token secret when set.
const JWTSecretEnvKey = "SEALOG_JWT_SECRET"

// Config is the sealogd configuration file.
type Config struct {
	ListenAddress string `yaml:"listen-address"`
	LoggingConfig string `yaml:"logging-config"`

	Mongo         MongoConfig         `yaml:"mongo"`
	Auth          AuthConfig          `yaml:"auth"`
	Notify        NotifyConfig        `yaml:"notify"`
	ExternalCalls ExternalCallsConfig `yaml:"external-calls"`
}

// MongoConfig describes the change feed source.
type MongoConfig struct {
	URL              string        `yaml:"url"`
	Database         string        `yaml:"database"`
	EventsCollection string        `yaml:"events-collection"`
	DialTimeout      time.Duration `yaml:"dial-timeout"`
	AwaitTime        time.Duration `yaml:"await-time"`
	MaxRetries       int           `yaml:"max-retries"`
}

// AuthConfig holds the token validation settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt-secret"`
}

// NotifyConfig tunes delivery to websocket subscribers.
type NotifyConfig struct {
	QueueSize      int                 `yaml:"queue-size"`
	OverflowPolicy string              `yaml:"overflow-policy"`
	SendTimeout    time.Duration       `yaml:"send-timeout"`
	PingPeriod     time.Duration       `yaml:"ping-period"`
	PongWait       time.Duration       `yaml:"pong-wait"`
	PublishScope   string              `yaml:"publish-scope"`
	TopicScopes    map[string][]string `yaml:"topic-scopes"`
}

// ExternalCallsConfig controls the external command output endpoint.
type ExternalCallsConfig struct {
	RequireAuth  *bool               `yaml:"require-auth"`
	WriteTimeout time.Duration       `yaml:"write-timeout"`
	Scope        string              `yaml:"scope"`
	Commands     map[string][]string `yaml:"commands"`
}

// AuthRequired reports whether external call sockets need a token.
func (c ExternalCallsConfig) AuthRequired() bool {
	return c.RequireAuth == nil || *c.RequireAuth
}

// DefaultConfig returns the configuration used for any value the file
// leaves unset.
func DefaultConfig() Config {
	return Config{
		ListenAddress: ":8001",
		LoggingConfig: "<root>=INFO",
		Mongo: MongoConfig{
			URL:              "mongodb://localhost:27017",
			Database:         "sealogDB",
			EventsCollection: "events",
			DialTimeout:      10 * time.Second,
			AwaitTime:        time.Second,
			MaxRetries:       10,
		},
		Notify: NotifyConfig{
			QueueSize:      notify.DefaultQueueSize,
			OverflowPolicy: string(notify.OverflowDisconnect),
			SendTimeout:    10 * time.Second,
			PingPeriod:     30 * time.Second,
			PongWait:       60 * time.Second,
			PublishScope:   "admin",
		},
		ExternalCalls: ExternalCallsConfig{
			WriteTimeout: 10 * time.Second,
			Scope:        "admin",
		},
	}
}

// ReadConfig reads the YAML file at path over the defaults. The token
// secret may also come from the environment.
func ReadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Annotatef(err, "reading config %q", path)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, errors.Annotatef(err, "parsing config %q", path)
		}
	}
	if secret := os.Getenv(JWTSecretEnvKey); secret != "" {
		config.Auth.JWTSecret = secret
	}
	return config, nil
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return errors.NotValidf("listen-address %q", c.ListenAddress)
	}
	if c.Mongo.URL == "" {
		return errors.NotValidf("empty mongo.url")
	}
	if c.Mongo.Database == "" {
		return errors.NotValidf("empty mongo.database")
	}
	if c.Mongo.EventsCollection == "" {
		return errors.NotValidf("empty mongo.events-collection")
	}
	if c.Mongo.DialTimeout <= 0 {
		return errors.NotValidf("mongo.dial-timeout %v", c.Mongo.DialTimeout)
	}
	if c.Mongo.AwaitTime <= 0 {
		return errors.NotValidf("mongo.await-time %v", c.Mongo.AwaitTime)
	}
	if c.Mongo.MaxRetries <= 0 {
		return errors.NotValidf("mongo.max-retries %d", c.Mongo.MaxRetries)
	}
	if c.Auth.JWTSecret == "" {
		return errors.NotValidf("empty auth.jwt-secret")
	}
	if c.Notify.QueueSize <= 0 {
		return errors.NotValidf("notify.queue-size %d", c.Notify.QueueSize)
	}
	if err := notify.OverflowPolicy(c.Notify.OverflowPolicy).Validate(); err != nil {
		return errors.Annotate(err, "notify.overflow-policy")
	}
	if c.Notify.SendTimeout <= 0 {
		return errors.NotValidf("notify.send-timeout %v", c.Notify.SendTimeout)
	}
	if c.Notify.PingPeriod <= 0 || c.Notify.PongWait <= c.Notify.PingPeriod {
		return errors.NotValidf("notify.pong-wait %v with ping-period %v", c.Notify.PongWait, c.Notify.PingPeriod)
	}
	for name := range c.Notify.TopicScopes {
		if _, err := topic.Parse(name); err != nil {
			return errors.Annotate(err, "notify.topic-scopes")
		}
	}
	if c.ExternalCalls.WriteTimeout <= 0 {
		return errors.NotValidf("external-calls.write-timeout %v", c.ExternalCalls.WriteTimeout)
	}
	for name, argv := range c.ExternalCalls.Commands {
		if len(argv) == 0 || argv[0] == "" {
			return errors.NotValidf("external-calls command %q with no executable", name)
		}
	}
	return nil
}
