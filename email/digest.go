package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/ucube/pkg/record"
)

// Sender sends club notification digests using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseSite string // for links back to the club page
}

// New creates a new digest sender with the given provider.
func New(provider Provider, baseSite string, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseSite: baseSite,
	}
}

// SendDigest sends one email covering a batch of new notifications for a
// single club. The club may be nil when only its slug is known.
func (s *Sender) SendDigest(ctx context.Context, to string, club *record.Club, notifications []*record.Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	clubName := clubDisplayName(club, notifications)
	subject := fmt.Sprintf("%s: %d new notification", clubName, len(notifications))
	if len(notifications) > 1 {
		subject += "s"
	}

	body := s.formatDigestBody(clubName, club, notifications)

	s.logger.Info("Sending notification digest",
		"to", to,
		"club", clubName,
		"count", len(notifications))

	return s.provider.Send(ctx, to, subject, body)
}

func clubDisplayName(club *record.Club, notifications []*record.Notification) string {
	if club != nil && club.ArtistName != "" {
		return club.ArtistName
	}
	if len(notifications) > 0 && notifications[0].ClubSlug != "" {
		return notifications[0].ClubSlug
	}
	return "UCube"
}

func (s *Sender) formatDigestBody(clubName string, club *record.Club, notifications []*record.Notification) string {
	accent := "#6c5ce7"
	if club != nil && club.ColorOne != "" {
		accent = club.ColorOne
	}

	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString(fmt.Sprintf(".header { border-bottom: 2px solid %s; padding-bottom: 10px; margin-bottom: 20px; }\n", escapeHTML(accent)))
	b.WriteString(".notification { margin-bottom: 30px; padding-bottom: 20px; border-bottom: 1px solid #ecf0f1; }\n")
	b.WriteString(".notification:last-of-type { border-bottom: none; }\n")
	b.WriteString(".timestamp { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".content { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; white-space: pre-wrap; }\n")
	b.WriteString(".footer { margin-top: 20px; padding-top: 10px; border-top: 2px solid #ecf0f1; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(fmt.Sprintf("a { color: %s; text-decoration: none; }\n", escapeHTML(accent)))
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	if len(notifications) == 1 {
		b.WriteString(fmt.Sprintf("<h2>New %s Notification</h2>\n", escapeHTML(clubName)))
	} else {
		b.WriteString(fmt.Sprintf("<h2>%d New %s Notifications</h2>\n", len(notifications), escapeHTML(clubName)))
	}
	b.WriteString("</div>\n")

	for _, n := range notifications {
		b.WriteString("<div class=\"notification\">\n")
		if n.CreatedAt != "" {
			if t, err := time.Parse(time.RFC3339, n.CreatedAt); err == nil {
				b.WriteString(fmt.Sprintf("<span class=\"timestamp\">%s</span>\n", t.Format("Jan 2, 2006 at 3:04 PM")))
			} else {
				b.WriteString(fmt.Sprintf("<span class=\"timestamp\">%s</span>\n", escapeHTML(n.CreatedAt)))
			}
		}
		b.WriteString("<div class=\"content\">\n")
		b.WriteString(escapeHTML(n.Body))
		b.WriteString("</div>\n")
		b.WriteString("</div>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	clubURL := strings.TrimSuffix(s.baseSite, "/") + "/club/" + clubSlug(club, notifications)
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Open the club on UNITED CUBE</a>\n", escapeHTML(clubURL)))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func clubSlug(club *record.Club, notifications []*record.Notification) string {
	if club != nil {
		return club.Slug
	}
	if len(notifications) > 0 {
		return notifications[0].ClubSlug
	}
	return ""
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
