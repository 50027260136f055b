package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/BairdWan/BilibiliMonitoring/internal/domain"
)

const (
	// Long bodies are cut so the rendered markdown stays well inside
	// the webhook's payload limit.
	defaultMaxBodyChars = 300
	truncationMarker    = "..."
	timeLayout          = "2006-01-02 15:04:05"
)

// Message is one formatted webhook notification.
type Message struct {
	Title string
	Text  string
}

// Formatter turns detected items into human-readable markdown
// messages. It is pure: no I/O, no clock reads, fully testable.
type Formatter struct {
	Location     *time.Location
	MaxBodyChars int
}

func NewFormatter(loc *time.Location) *Formatter {
	if loc == nil {
		loc = time.UTC
	}
	return &Formatter{Location: loc, MaxBodyChars: defaultMaxBodyChars}
}

func (f *Formatter) Format(account domain.MonitoredAccount, item domain.ContentItem) Message {
	name := account.DisplayName
	if name == "" {
		name = account.ID
	}

	var title string
	switch item.Kind {
	case domain.KindVideo:
		title = fmt.Sprintf("📹 %s uploaded a new video", name)
	default:
		title = fmt.Sprintf("🔔 %s published a new post", name)
	}

	var b strings.Builder
	b.WriteString("## " + title + "\n\n")
	b.WriteString(fmt.Sprintf("**Account:** %s\n\n", name))
	if !item.CreatedAt.IsZero() {
		b.WriteString(fmt.Sprintf("**Published:** %s\n\n",
			item.CreatedAt.In(f.Location).Format(timeLayout)))
	}
	if item.Title != "" {
		b.WriteString(fmt.Sprintf("**Title:** %s\n\n", item.Title))
	}
	if body := f.truncate(item.Body); body != "" {
		b.WriteString(body + "\n\n")
	}
	if item.URL != "" {
		b.WriteString(fmt.Sprintf("[📱 View on Bilibili](%s)", item.URL))
	}

	return Message{Title: title, Text: strings.TrimRight(b.String(), "\n")}
}

func (f *Formatter) truncate(body string) string {
	maxChars := f.MaxBodyChars
	if maxChars <= 0 {
		maxChars = defaultMaxBodyChars
	}

	runes := []rune(body)
	if len(runes) <= maxChars {
		return body
	}
	return string(runes[:maxChars]) + truncationMarker
}
