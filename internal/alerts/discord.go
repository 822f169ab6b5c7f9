package alerts

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/coah80/bgm/internal/config"
	"github.com/coah80/bgm/internal/logging"
)

const (
	colorOrange = 0xFFA500
	colorRed    = 0xFF4444
	colorCrit   = 0xFF0000
	colorGreen  = 0x2ECC71
)

// Discord posts alert embeds to a webhook. A zero-value or disabled Discord
// drops every alert.
type Discord struct {
	webhookID  string
	token      string
	pingUserID string
	session    *discordgo.Session
	logger     *log.Logger

	mu                sync.Mutex
	categoryCooldowns map[string]time.Time
	now               func() time.Time

	// execute is swapped by tests.
	execute func(params *discordgo.WebhookParams) error
	async   bool
}

// NewDiscord returns an alerter for webhookURL. An empty URL yields a
// disabled alerter rather than an error.
func NewDiscord(webhookURL, pingUserID string, logger *log.Logger) (*Discord, error) {
	d := &Discord{
		pingUserID:        pingUserID,
		logger:            logging.OrDiscard(logger).WithPrefix("discord"),
		categoryCooldowns: make(map[string]time.Time),
		now:               time.Now,
		async:             true,
	}
	if webhookURL == "" {
		return d, nil
	}

	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	d.webhookID = id
	d.token = token
	d.session = session
	d.execute = d.executeWebhook
	return d, nil
}

// ParseWebhookURL splits https://discord.com/api/webhooks/<id>/<token>.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid webhook URL: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", errors.New("invalid webhook URL: expected /api/webhooks/<id>/<token>")
}

func (d *Discord) Enabled() bool {
	return d != nil && d.execute != nil
}

func (d *Discord) executeWebhook(params *discordgo.WebhookParams) error {
	_, err := d.session.WebhookExecute(d.webhookID, d.token, false, params)
	return err
}

func (d *Discord) send(category string, cooldown time.Duration, ping bool, color int, title, description string, fields map[string]string) {
	if !d.Enabled() {
		return
	}

	d.mu.Lock()
	now := d.now()
	if cooldown > 0 {
		if last, ok := d.categoryCooldowns[category]; ok && now.Sub(last) < cooldown {
			d.mu.Unlock()
			return
		}
	}
	d.categoryCooldowns[category] = now
	d.mu.Unlock()

	var embedFields []*discordgo.MessageEmbedField
	for k, v := range fields {
		if v == "" {
			continue
		}
		embedFields = append(embedFields, &discordgo.MessageEmbedField{Name: k, Value: truncate(v, 1024), Inline: true})
	}

	params := &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       title,
			Description: truncate(description, 2048),
			Color:       color,
			Fields:      embedFields,
			Timestamp:   now.UTC().Format(time.RFC3339),
			Footer:      &discordgo.MessageEmbedFooter{Text: "bgm " + config.Version},
		}},
	}
	if ping && d.pingUserID != "" {
		params.Content = fmt.Sprintf("<@%s>", d.pingUserID)
	}

	deliver := func() {
		if err := d.execute(params); err != nil {
			d.logger.Warn("send failed", "category", category, "err", err)
		}
	}
	if d.async {
		go deliver()
		return
	}
	deliver()
}

func (d *Discord) ServerStarted(addr string) {
	d.send("server-start", 0, false, colorGreen, "Server Started", fmt.Sprintf("bgm %s listening on %s", config.Version, addr), nil)
}

func (d *Discord) ServerStopping() {
	d.send("server-stop", 0, false, colorOrange, "Server Stopping", "bgm is shutting down", nil)
}

func (d *Discord) ExtractionFailed(filename string, err error) {
	d.send("extraction", 5*time.Second, true, colorRed, "Extraction Failed", err.Error(), map[string]string{
		"File":  filename,
		"Error": truncate(err.Error(), 500),
	})
}

func (d *Discord) LowDiskSpace(avail, floor uint64) {
	d.send("disk", 10*time.Minute, true, colorCrit, "Low Disk Space",
		fmt.Sprintf("Only %s free, below the %s floor. Uploads are being refused.", humanize.IBytes(avail), humanize.IBytes(floor)), nil)
}

func (d *Discord) SweepFailed(failed int, err error) {
	d.send("retention", time.Hour, false, colorOrange, "Retention Sweep Incomplete",
		fmt.Sprintf("%d entries could not be removed", failed), map[string]string{
			"Error": truncate(err.Error(), 500),
		})
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen-3] + "..."
	}
	return s
}
