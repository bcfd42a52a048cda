/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	DEFAULT_DAILY_AUTOPILOT_LIMIT = 50
	DEFAULT_MAX_ATTEMPTS          = 3
	DEFAULT_MAX_TOUCHES           = 4
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"RETAINLY_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"RETAINLY_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"RETAINLY_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"RETAINLY_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"RETAINLY_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"RETAINLY_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"RETAINLY_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"RETAINLY_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"RETAINLY_REDIS_SKIP_TLS_VERIFY"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"RETAINLY_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"RETAINLY_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"RETAINLY_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"RETAINLY_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url" envconfig:"RETAINLY_WEBHOOK_URL"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type QueueConfig struct {
	WebhookQueue   string `json:"webhook_queue" envconfig:"RETAINLY_QUEUE_WEBHOOK"`
	TickQueue      string `json:"tick_queue" envconfig:"RETAINLY_QUEUE_TICK"`
	TickCron       string `json:"tick_cron" envconfig:"RETAINLY_QUEUE_TICK_CRON"`
	MonitoringPort string `json:"monitoring_port" envconfig:"RETAINLY_QUEUE_MONITORING_PORT"`
	Concurrency    int    `json:"concurrency" envconfig:"RETAINLY_QUEUE_CONCURRENCY"`
}

// SchedulerConfig bounds the work a single tick is allowed to do.
type SchedulerConfig struct {
	TickSecret            string `json:"tick_secret" envconfig:"RETAINLY_TICK_SECRET"`
	CommandBatchSize      int    `json:"command_batch_size" envconfig:"RETAINLY_COMMAND_BATCH_SIZE"`
	TaskBatchSize         int    `json:"task_batch_size" envconfig:"RETAINLY_TASK_BATCH_SIZE"`
	TickTimeoutSeconds    int    `json:"tick_timeout_seconds" envconfig:"RETAINLY_TICK_TIMEOUT_SECONDS"`
	StaleClaimSeconds     int    `json:"stale_claim_seconds" envconfig:"RETAINLY_STALE_CLAIM_SECONDS"`
	FollowUpLeaseSeconds  int    `json:"follow_up_lease_seconds" envconfig:"RETAINLY_FOLLOW_UP_LEASE_SECONDS"`
	RetryDelaySeconds     int    `json:"retry_delay_seconds" envconfig:"RETAINLY_RETRY_DELAY_SECONDS"`
	FlushRounds           int    `json:"flush_rounds" envconfig:"RETAINLY_FLUSH_ROUNDS"`
	IntervalSeconds       int    `json:"interval_seconds" envconfig:"RETAINLY_TICK_INTERVAL_SECONDS"`
	CommandTimeoutSeconds int    `json:"command_timeout_seconds" envconfig:"RETAINLY_COMMAND_TIMEOUT_SECONDS"`
}

// OutreachConfig holds the guardrail and cadence policy applied to every account.
type OutreachConfig struct {
	DailyAutopilotLimit    int    `json:"daily_autopilot_limit" envconfig:"DAILY_AUTOPILOT_LIMIT"`
	MaxAttempts            int    `json:"max_attempts" envconfig:"RETAINLY_MAX_ATTEMPTS"`
	MaxTouches             int    `json:"max_touches" envconfig:"RETAINLY_MAX_TOUCHES"`
	DefaultOffsetsDays     []int  `json:"default_offsets_days" envconfig:"RETAINLY_DEFAULT_OFFSETS_DAYS"`
	MaxCheckDays           int    `json:"max_check_days" envconfig:"RETAINLY_MAX_CHECK_DAYS"`
	FallbackWaitDays       int    `json:"fallback_wait_days" envconfig:"RETAINLY_FALLBACK_WAIT_DAYS"`
	MaxThreadAgeDays       int    `json:"max_thread_age_days" envconfig:"RETAINLY_MAX_THREAD_AGE_DAYS"`
	QuietHoursStart        int    `json:"quiet_hours_start" envconfig:"RETAINLY_QUIET_HOURS_START"`
	QuietHoursEnd          int    `json:"quiet_hours_end" envconfig:"RETAINLY_QUIET_HOURS_END"`
	DefaultTimezone        string `json:"default_timezone" envconfig:"RETAINLY_DEFAULT_TIMEZONE"`
	MailTimeoutSeconds     int    `json:"mail_timeout_seconds" envconfig:"RETAINLY_MAIL_TIMEOUT_SECONDS"`
	ReasonerTimeoutSeconds int    `json:"reasoner_timeout_seconds" envconfig:"RETAINLY_REASONER_TIMEOUT_SECONDS"`
}

type MailerConfig struct {
	ApiUrl      string `json:"api_url" envconfig:"RETAINLY_MAILER_API_URL"`
	ApiKey      string `json:"api_key" envconfig:"RETAINLY_MAILER_API_KEY"`
	From        string `json:"from" envconfig:"RETAINLY_MAILER_FROM"`
	ReplyDomain string `json:"reply_domain" envconfig:"RETAINLY_MAILER_REPLY_DOMAIN"`
}

type ReasonerConfig struct {
	ApiKey string `json:"api_key" envconfig:"RETAINLY_REASONER_API_KEY"`
	Model  string `json:"model" envconfig:"RETAINLY_REASONER_MODEL"`
}

type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" envconfig:"RETAINLY_TELEMETRY_ENABLED"`
	Endpoint    string `json:"endpoint" envconfig:"RETAINLY_TELEMETRY_ENDPOINT"`
	Insecure    bool   `json:"insecure" envconfig:"RETAINLY_TELEMETRY_INSECURE"`
	ServiceName string `json:"service_name" envconfig:"RETAINLY_TELEMETRY_SERVICE_NAME"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"RETAINLY_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Notification Notification     `json:"notification"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
	Queue        QueueConfig      `json:"queue"`
	Scheduler    SchedulerConfig  `json:"scheduler"`
	Outreach     OutreachConfig   `json:"outreach"`
	Mailer       MailerConfig     `json:"mailer"`
	Reasoner     ReasonerConfig   `json:"reasoner"`
	Telemetry    TelemetryConfig  `json:"telemetry"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("retainly", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called retainly.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Retainly"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	cnf.Queue.setDefaults()
	cnf.Scheduler.setDefaults()
	return cnf.Outreach.validateAndAddDefaults()
}

func (q *QueueConfig) setDefaults() {
	if q.WebhookQueue == "" {
		q.WebhookQueue = "retainly_webhook_queue"
	}
	if q.TickQueue == "" {
		q.TickQueue = "retainly_tick_queue"
	}
	if q.TickCron == "" {
		q.TickCron = "@every 1m"
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5004"
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 10
	}
}

func (s *SchedulerConfig) setDefaults() {
	if s.CommandBatchSize <= 0 {
		s.CommandBatchSize = 25
	}
	if s.TaskBatchSize <= 0 {
		s.TaskBatchSize = 25
	}
	if s.TickTimeoutSeconds <= 0 {
		s.TickTimeoutSeconds = 45
	}
	if s.StaleClaimSeconds <= 0 {
		s.StaleClaimSeconds = 300
	}
	if s.FollowUpLeaseSeconds <= 0 {
		s.FollowUpLeaseSeconds = 900
	}
	if s.RetryDelaySeconds <= 0 {
		s.RetryDelaySeconds = 30
	}
	if s.FlushRounds <= 0 {
		s.FlushRounds = 2
	}
	if s.IntervalSeconds <= 0 {
		s.IntervalSeconds = 60
	}
	if s.CommandTimeoutSeconds <= 0 {
		s.CommandTimeoutSeconds = 20
	}
}

func (o *OutreachConfig) validateAndAddDefaults() error {
	if o.DailyAutopilotLimit <= 0 {
		o.DailyAutopilotLimit = DEFAULT_DAILY_AUTOPILOT_LIMIT
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DEFAULT_MAX_ATTEMPTS
	}
	if o.MaxTouches <= 0 {
		o.MaxTouches = DEFAULT_MAX_TOUCHES
	}
	if len(o.DefaultOffsetsDays) == 0 {
		o.DefaultOffsetsDays = []int{2, 4, 7}
	}
	if o.MaxCheckDays <= 0 {
		o.MaxCheckDays = 14
	}
	if o.FallbackWaitDays <= 0 {
		o.FallbackWaitDays = 1
	}
	if o.MaxThreadAgeDays <= 0 {
		o.MaxThreadAgeDays = 30
	}
	if o.QuietHoursStart == 0 && o.QuietHoursEnd == 0 {
		o.QuietHoursStart, o.QuietHoursEnd = 21, 8
	}
	if o.QuietHoursStart < 0 || o.QuietHoursStart > 23 || o.QuietHoursEnd < 0 || o.QuietHoursEnd > 23 {
		return errors.New("quiet hours must be between 0 and 23")
	}
	if o.DefaultTimezone == "" {
		o.DefaultTimezone = "UTC"
	}
	if o.MailTimeoutSeconds <= 0 {
		o.MailTimeoutSeconds = 15
	}
	if o.ReasonerTimeoutSeconds <= 0 {
		o.ReasonerTimeoutSeconds = 30
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
