// Package watchdog sends outbound telemetry: a periodic liveness ping to an
// external watchdog service and alert posts for operator-grade events. Both
// paths are best-effort; a delivery failure is logged and never reaches the
// trading cycle.
package watchdog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const defaultTimeout = 5 * time.Second

// Config selects the outbound endpoints. An empty URL disables that path.
type Config struct {
	HeartbeatURL string
	AlertURL     string
	Service      string
	Timeout      time.Duration
}

// Client posts heartbeats and alerts. The status supplier is read at send
// time so every ping carries the current degradation level.
type Client struct {
	http    *resty.Client
	cfg     Config
	status  func() string
	logger  zerolog.Logger
	started time.Time
}

type heartbeat struct {
	Service       string    `json:"service"`
	Status        string    `json:"status"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	SentAt        time.Time `json:"sent_at"`
}

type alert struct {
	Service string    `json:"service"`
	Level   string    `json:"level"`
	Title   string    `json:"title"`
	Detail  string    `json:"detail"`
	SentAt  time.Time `json:"sent_at"`
}

// New builds the client. status may be nil; pings then report "unknown".
func New(cfg Config, status func() string, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Service == "" {
		cfg.Service = "trading-engine"
	}
	httpClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		cfg:     cfg,
		status:  status,
		logger:  logger.With().Str("component", "watchdog").Logger(),
		started: time.Now(),
	}
}

// HeartbeatEnabled reports whether a watchdog URL is configured.
func (c *Client) HeartbeatEnabled() bool { return c.cfg.HeartbeatURL != "" }

// AlertsEnabled reports whether an alert webhook is configured.
func (c *Client) AlertsEnabled() bool { return c.cfg.AlertURL != "" }

// Ping posts one liveness heartbeat. The scheduler calls this every minute;
// the error return exists for tests and callers that count misses.
func (c *Client) Ping(ctx context.Context) error {
	if !c.HeartbeatEnabled() {
		return nil
	}
	hb := heartbeat{
		Service:       c.cfg.Service,
		Status:        c.currentStatus(),
		UptimeSeconds: time.Since(c.started).Seconds(),
		SentAt:        time.Now().UTC(),
	}
	url := strings.TrimRight(c.cfg.HeartbeatURL, "/") + "/heartbeat"
	resp, err := c.http.R().SetContext(ctx).SetBody(hb).Post(url)
	if err != nil {
		c.logger.Warn().Err(err).Msg("heartbeat delivery failed")
		return err
	}
	if resp.StatusCode() >= 300 {
		err := fmt.Errorf("watchdog returned status %d", resp.StatusCode())
		c.logger.Warn().Err(err).Msg("heartbeat rejected")
		return err
	}
	c.logger.Debug().Str("status", hb.Status).Msg("heartbeat sent")
	return nil
}

// Alert posts one alert event to the configured webhook.
func (c *Client) Alert(ctx context.Context, level, title, detail string) error {
	if !c.AlertsEnabled() {
		return nil
	}
	a := alert{
		Service: c.cfg.Service,
		Level:   level,
		Title:   title,
		Detail:  detail,
		SentAt:  time.Now().UTC(),
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(a).Post(c.cfg.AlertURL)
	if err != nil {
		c.logger.Warn().Err(err).Str("title", title).Msg("alert delivery failed")
		return err
	}
	if resp.StatusCode() >= 300 {
		err := fmt.Errorf("alert webhook returned status %d", resp.StatusCode())
		c.logger.Warn().Err(err).Str("title", title).Msg("alert rejected")
		return err
	}
	return nil
}

func (c *Client) currentStatus() string {
	if c.status == nil {
		return "unknown"
	}
	return c.status()
}
