package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/clemsonMakerspace/unified-makerspace/backend/internal/directory"
	"github.com/spf13/viper"
)

const (
	envPrefix = "VISIT"

	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "visit.db"
	defaultLogLevel        = "info"
	defaultMode            = string(directory.ModeDualWrite)
	defaultLegacyTable     = "visit_legacy"
	defaultUserTable       = "visit_users"
	defaultVisitTable      = "visit_ledger"
	defaultCallTimeout     = 2 * time.Second
	defaultRetryBudget     = 3
	defaultRetryInitial    = 50 * time.Millisecond
	defaultInviteTTL       = 7 * 24 * time.Hour
	defaultDedupWindow     = 60 * time.Second
	defaultMailTransport   = MailTransportLog
	defaultMailSender      = "no-reply@visit.cumaker.space"
	defaultMailReplyTo     = "makerspace@clemson.edu"
	defaultRecipientDomain = "clemson.edu"
	defaultMailTimeout     = 5 * time.Second
	defaultMailTopic       = "visit.mail.outbound"
	defaultReconcileQueue  = QueueDatabase
	defaultReconcileEvery  = 30 * time.Second
	defaultRedisKey        = "visit:pending-mirror"
)

const (
	MailTransportLog   = "log"
	MailTransportKafka = "kafka"

	QueueDatabase = "database"
	QueueRedis    = "redis"
)

// AppConfig captures runtime configuration for the visit service.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	Mode         directory.Mode
	LegacyTable  string
	UserTable    string
	VisitTable   string
	CallTimeout  time.Duration
	RetryBudget  int
	RetryInitial time.Duration

	// DomainName is the normalised public origin used in registration links.
	DomainName string

	InviteTTL           time.Duration
	InviteSigningSecret string
	DedupWindow         time.Duration

	MailTransport       string
	MailSender          string
	MailReplyTo         string
	MailRecipientDomain string
	MailTimeout         time.Duration

	KafkaBrokers   []string
	KafkaMailTopic string

	ReconcileQueue    string
	ReconcileInterval time.Duration
	RedisURL          string
	RedisKey          string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("directory.mode", defaultMode)
	configViper.SetDefault("directory.legacy_table", defaultLegacyTable)
	configViper.SetDefault("directory.user_table", defaultUserTable)
	configViper.SetDefault("directory.visit_table", defaultVisitTable)
	configViper.SetDefault("directory.call_timeout", defaultCallTimeout)
	configViper.SetDefault("directory.retry_budget", defaultRetryBudget)
	configViper.SetDefault("directory.retry_initial", defaultRetryInitial)
	configViper.SetDefault("invite.ttl", defaultInviteTTL)
	configViper.SetDefault("visit.dedup_window", defaultDedupWindow)
	configViper.SetDefault("mail.transport", defaultMailTransport)
	configViper.SetDefault("mail.sender", defaultMailSender)
	configViper.SetDefault("mail.reply_to", defaultMailReplyTo)
	configViper.SetDefault("mail.recipient_domain", defaultRecipientDomain)
	configViper.SetDefault("mail.timeout", defaultMailTimeout)
	configViper.SetDefault("kafka.mail_topic", defaultMailTopic)
	configViper.SetDefault("reconcile.queue", defaultReconcileQueue)
	configViper.SetDefault("reconcile.interval", defaultReconcileEvery)
	configViper.SetDefault("redis.key", defaultRedisKey)

	// Keys without defaults still need binding for AutomaticEnv lookups to see them.
	for _, key := range []string{"site.domain_name", "invite.signing_secret", "kafka.brokers", "redis.url"} {
		_ = configViper.BindEnv(key)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	mode, err := directory.ParseMode(configViper.GetString("directory.mode"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("directory.mode: %w", err)
	}
	domainName, err := NormalizeDomainName(configViper.GetString("site.domain_name"))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		Mode:         mode,
		LegacyTable:  strings.TrimSpace(configViper.GetString("directory.legacy_table")),
		UserTable:    strings.TrimSpace(configViper.GetString("directory.user_table")),
		VisitTable:   strings.TrimSpace(configViper.GetString("directory.visit_table")),
		CallTimeout:  configViper.GetDuration("directory.call_timeout"),
		RetryBudget:  configViper.GetInt("directory.retry_budget"),
		RetryInitial: configViper.GetDuration("directory.retry_initial"),

		DomainName: domainName,

		InviteTTL:           configViper.GetDuration("invite.ttl"),
		InviteSigningSecret: configViper.GetString("invite.signing_secret"),
		DedupWindow:         configViper.GetDuration("visit.dedup_window"),

		MailTransport:       strings.ToLower(strings.TrimSpace(configViper.GetString("mail.transport"))),
		MailSender:          configViper.GetString("mail.sender"),
		MailReplyTo:         configViper.GetString("mail.reply_to"),
		MailRecipientDomain: configViper.GetString("mail.recipient_domain"),
		MailTimeout:         configViper.GetDuration("mail.timeout"),

		KafkaBrokers:   splitList(configViper.GetStringSlice("kafka.brokers")),
		KafkaMailTopic: configViper.GetString("kafka.mail_topic"),

		ReconcileQueue:    strings.ToLower(strings.TrimSpace(configViper.GetString("reconcile.queue"))),
		ReconcileInterval: configViper.GetDuration("reconcile.interval"),
		RedisURL:          strings.TrimSpace(configViper.GetString("redis.url")),
		RedisKey:          configViper.GetString("redis.key"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// NormalizeDomainName trims whitespace and trailing slashes. The value must carry an
// explicit http or https scheme; none is guessed.
func NormalizeDomainName(raw string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return "", errors.New("site.domain_name is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("site.domain_name: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("site.domain_name must start with http:// or https://, got %q", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("site.domain_name has no host: %q", raw)
	}
	return trimmed, nil
}

func splitList(values []string) []string {
	items := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.InviteSigningSecret) == "" {
		return fmt.Errorf("invite.signing_secret is required")
	}
	if c.Mode != directory.ModeNewOnly && c.LegacyTable == "" {
		return fmt.Errorf("directory.legacy_table is required in %s mode", c.Mode)
	}
	if c.Mode != directory.ModeLegacyOnly && (c.UserTable == "" || c.VisitTable == "") {
		return fmt.Errorf("directory.user_table and directory.visit_table are required in %s mode", c.Mode)
	}
	if c.RetryBudget < 0 {
		return fmt.Errorf("directory.retry_budget must not be negative")
	}
	if c.InviteTTL <= 0 {
		return fmt.Errorf("invite.ttl must be positive")
	}
	switch c.MailTransport {
	case MailTransportLog:
	case MailTransportKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when mail.transport is kafka")
		}
	default:
		return fmt.Errorf("mail.transport must be %q or %q", MailTransportLog, MailTransportKafka)
	}
	switch c.ReconcileQueue {
	case QueueDatabase:
	case QueueRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis.url is required when reconcile.queue is redis")
		}
	default:
		return fmt.Errorf("reconcile.queue must be %q or %q", QueueDatabase, QueueRedis)
	}
	return nil
}
