package conf

import (
	"os"
	"strings"
	"time"

	vd "github.com/bytedance/go-tagexpr/v2/validator"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"storefront/internal/constants"
	"storefront/internal/v2/utils"
)

// Config is everything the sync core and its publishers need at startup.
type Config struct {
	API     APIConfig     `yaml:"api" json:"api"`
	Chat    ChatConfig    `yaml:"chat" json:"chat"`
	Payment PaymentConfig `yaml:"payment" json:"payment"`
	Nats    NatsConfig    `yaml:"nats" json:"nats"`
	Redis   *RedisConfig  `yaml:"redis,omitempty" json:"redis,omitempty" vd:"?"`
}

type APIConfig struct {
	BaseURL        string        `yaml:"baseURL" json:"baseURL" vd:"regexp('^https?://.+');msg:sprintf('invalid parameter: %v;baseURL must be an http(s) url',$)"`
	InitData       string        `yaml:"initData" json:"-" vd:"-"`
	RequestTimeout time.Duration `yaml:"requestTimeout" json:"requestTimeout" vd:"$>0;msg:'requestTimeout must be positive'"`
}

type ChatConfig struct {
	PollWait        time.Duration `yaml:"pollWait" json:"pollWait" vd:"$>0;msg:'pollWait must be positive'"`
	BackoffBase     time.Duration `yaml:"backoffBase" json:"backoffBase" vd:"$>0;msg:'backoffBase must be positive'"`
	BackoffCap      time.Duration `yaml:"backoffCap" json:"backoffCap" vd:"$>=(BackoffBase)$;msg:'backoffCap must not be below backoffBase'"`
	MinPollInterval time.Duration `yaml:"minPollInterval" json:"minPollInterval" vd:"$>=0"`
}

type PaymentConfig struct {
	StatusInterval time.Duration `yaml:"statusInterval" json:"statusInterval" vd:"$>0;msg:'statusInterval must be positive'"`
	Deadline       time.Duration `yaml:"deadline" json:"deadline" vd:"$>=(StatusInterval)$;msg:'deadline must not be below statusInterval'"`
}

type NatsConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     string `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-" vd:"-"`
	Subject  string `yaml:"subject" json:"subject" vd:"len($)>0;msg:'nats subject must not be empty'"`
}

// RedisConfig enables the shared in-flight registry when present
type RedisConfig struct {
	Host     string `yaml:"host" json:"host" vd:"len($)>0;msg:'redis host must not be empty'"`
	Port     string `yaml:"port" json:"port" vd:"len($)>0"`
	Password string `yaml:"password" json:"-" vd:"-"`
	DB       int    `yaml:"db" json:"db" vd:"$>=0"`
}

func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        constants.DefaultAPIBaseURL,
			RequestTimeout: 10 * time.Second,
		},
		Chat: ChatConfig{
			PollWait:        constants.DefaultPollWait,
			BackoffBase:     constants.DefaultBackoffBase,
			BackoffCap:      constants.DefaultBackoffCap,
			MinPollInterval: time.Second,
		},
		Payment: PaymentConfig{
			StatusInterval: constants.DefaultStatusInterval,
			Deadline:       constants.DefaultPaymentDeadline,
		},
		Nats: NatsConfig{
			Host:    "localhost",
			Port:    "4222",
			Subject: constants.DefaultNatsSubject,
		},
	}
}

// Load applies defaults, then the optional yaml file at path, then environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
		glog.Infof("loaded config from %s", path)
	}
	cfg.applyEnv()

	if err := vd.Validate(cfg, true); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.API.BaseURL = strings.TrimRight(utils.GetEnvOrDefault("STOREFRONT_API_BASE", c.API.BaseURL), "/")
	c.API.InitData = utils.GetEnvOrDefault("STOREFRONT_INIT_DATA", c.API.InitData)
	c.API.RequestTimeout = utils.GetEnvDuration("STOREFRONT_REQUEST_TIMEOUT", c.API.RequestTimeout)

	c.Chat.PollWait = utils.GetEnvDuration("STOREFRONT_POLL_WAIT", c.Chat.PollWait)
	c.Chat.BackoffBase = utils.GetEnvDuration("STOREFRONT_BACKOFF_BASE", c.Chat.BackoffBase)
	c.Chat.BackoffCap = utils.GetEnvDuration("STOREFRONT_BACKOFF_CAP", c.Chat.BackoffCap)

	c.Payment.StatusInterval = utils.GetEnvDuration("STOREFRONT_STATUS_INTERVAL", c.Payment.StatusInterval)
	c.Payment.Deadline = utils.GetEnvDuration("STOREFRONT_PAYMENT_DEADLINE", c.Payment.Deadline)

	c.Nats.Host = utils.GetEnvOrDefault("NATS_HOST", c.Nats.Host)
	c.Nats.Port = utils.GetEnvOrDefault("NATS_PORT", c.Nats.Port)
	c.Nats.Username = utils.GetEnvOrDefault("NATS_USERNAME", c.Nats.Username)
	c.Nats.Password = utils.GetEnvOrDefault("NATS_PASSWORD", c.Nats.Password)
	c.Nats.Subject = utils.GetEnvOrDefault("NATS_SUBJECT", c.Nats.Subject)

	if host := os.Getenv("REDIS_HOST"); host != "" {
		if c.Redis == nil {
			c.Redis = &RedisConfig{Port: "6379"}
		}
		c.Redis.Host = host
	}
	if c.Redis != nil {
		c.Redis.Port = utils.GetEnvOrDefault("REDIS_PORT", c.Redis.Port)
		c.Redis.Password = utils.GetEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
		c.Redis.DB = utils.GetEnvInt("REDIS_DB", c.Redis.DB)
	}
}

// InFlightTTL is how long a redis in-flight key outlives a healthy session
func (c *Config) InFlightTTL() time.Duration {
	return c.Payment.Deadline + constants.InFlightTTLSlack
}
