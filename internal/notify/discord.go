package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/imroc/req/v3"
	"github.com/sirupsen/logrus"

	"filebrowser-cdc/internal/models"
)

const (
	maxPathRunes  = 200
	maxRetryAfter = time.Minute
)

var (
	titles = map[models.ChangeType]string{
		models.ChangeNew:      "📦 New Files Uploaded",
		models.ChangeModified: "✏️ Files Modified",
		models.ChangeDeleted:  "🗑️ Files Deleted",
	}
	colors = map[models.ChangeType]int{
		models.ChangeNew:      0x00ff00,
		models.ChangeModified: 0xffff00,
		models.ChangeDeleted:  0xff0000,
	}
)

// DiscordConfig configures the webhook sink
type DiscordConfig struct {
	WebhookURL    string
	Username      string
	Timeout       time.Duration
	RetryCount    int
	RetryInterval time.Duration
}

type webhookPayload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Footer      *embedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

// Discord posts delivery units to a Discord webhook, one message per unit
type Discord struct {
	client   *req.Client
	url      string
	username string
	now      func() time.Time
	logger   *logrus.Logger
}

// NewDiscord creates a webhook sink
func NewDiscord(cfg DiscordConfig, logger *logrus.Logger) (*Discord, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.New("discord webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}

	client := req.C().
		SetTimeout(cfg.Timeout).
		SetCommonRetryCount(cfg.RetryCount).
		SetCommonRetryInterval(func(resp *req.Response, attempt int) time.Duration {
			return retryDelay(resp, cfg.RetryInterval)
		}).
		SetCommonRetryCondition(func(resp *req.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		}).
		SetCommonRetryHook(func(resp *req.Response, err error) {
			if err != nil {
				logger.Warnf("Retrying Discord webhook after error: %v", err)
				return
			}
			logger.Warnf("Retrying Discord webhook after status %d", resp.StatusCode)
		})

	return &Discord{
		client:   client,
		url:      cfg.WebhookURL,
		username: cfg.Username,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// Name identifies the sink in logs
func (d *Discord) Name() string { return "discord" }

// Deliver sends one unit as one webhook message
func (d *Discord) Deliver(ctx context.Context, unit *models.DeliveryUnit) error {
	payload := d.render(unit)

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(d.url)
	if err != nil {
		return fmt.Errorf("%w: discord webhook request: %w", models.ErrDelivery, err)
	}
	if !resp.IsSuccessState() {
		return fmt.Errorf("%w: discord webhook returned %d: %s", models.ErrDelivery, resp.StatusCode, truncate(resp.String(), 200))
	}

	d.logger.Debugf("Sent %d embeds to Discord (unit %s)", len(payload.Embeds), unit.ID)
	return nil
}

func (d *Discord) render(unit *models.DeliveryUnit) *webhookPayload {
	ts := d.now().UTC().Format(time.RFC3339)
	payload := &webhookPayload{
		Username: d.username,
		Embeds:   make([]embed, 0, len(unit.Groups)),
	}
	for _, g := range unit.Groups {
		payload.Embeds = append(payload.Embeds, renderGroup(g, ts))
	}
	return payload
}

func renderGroup(g *models.Group, ts string) embed {
	title, ok := titles[g.ChangeType]
	if !ok {
		title = "Files Changed"
	}
	if g.Pages > 1 {
		title = fmt.Sprintf("%s (%d/%d)", title, g.Page, g.Pages)
	}
	color, ok := colors[g.ChangeType]
	if !ok {
		color = 0x808080
	}

	lines := make([]string, 0, len(g.Entries)+1)
	for _, e := range g.Entries {
		path := truncate(e.Path, maxPathRunes)
		if e.Size > 0 {
			lines = append(lines, fmt.Sprintf("`%s` (%s)", path, humanize.IBytes(uint64(e.Size))))
		} else {
			lines = append(lines, fmt.Sprintf("`%s`", path))
		}
	}
	if g.TruncatedCount > 0 {
		lines = append(lines, fmt.Sprintf("+%d more", g.TruncatedCount))
	}

	total := g.TotalSize()
	for _, e := range g.Omitted {
		total += e.Size
	}

	return embed{
		Title:       title,
		Description: strings.Join(lines, "\n"),
		Color:       color,
		Footer: &embedFooter{
			Text: fmt.Sprintf("Total: %d file(s) | %s", len(g.Entries)+g.TruncatedCount, humanize.IBytes(uint64(total))),
		},
		Timestamp: ts,
	}
}

// retryDelay honours Retry-After on rate-limited responses
func retryDelay(resp *req.Response, fallback time.Duration) time.Duration {
	if resp == nil || resp.Response == nil || resp.StatusCode != http.StatusTooManyRequests {
		return fallback
	}
	secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64)
	if err != nil || secs < 0 {
		return fallback
	}
	return min(time.Duration(secs*float64(time.Second)), maxRetryAfter)
}

// groupChars is the length Discord counts against its per-message text limit
func groupChars(g *models.Group) int {
	return embedChars(renderGroup(g, ""))
}

func embedChars(e embed) int {
	n := utf8.RuneCountInString(e.Title) + utf8.RuneCountInString(e.Description)
	if e.Footer != nil {
		n += utf8.RuneCountInString(e.Footer.Text)
	}
	return n
}

// truncate shortens s in the middle so both ends of a path stay readable
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	head := (max - 1) / 2
	tail := max - 1 - head
	return string(r[:head]) + "…" + string(r[len(r)-tail:])
}
