package hooks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/chatloom/chatloom/internal/host"
	"github.com/chatloom/chatloom/internal/message"
	"github.com/chatloom/chatloom/internal/plug"
)

const (
	previewUserAgent  = "Mozilla/5.0 (compatible; chatloom/1.0)"
	previewDefaultLen = 300
)

// Preview replies with a readable extract of the first link in a
// message.
type Preview struct {
	name       string
	h          *host.Host
	maxLen     int
	httpClient *http.Client
}

// NewPreview creates the link preview hook. maxLen bounds the extract
// length; zero means the default.
func NewPreview(name string, h *host.Host, maxLen int) *Preview {
	if maxLen <= 0 {
		maxLen = previewDefaultLen
	}
	return &Preview{
		name:       name,
		h:          h,
		maxLen:     maxLen,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *Preview) Name() string { return p.name }

func (p *Preview) OnReceive(ctx context.Context, ev *plug.Event) error {
	if ev.Own() || !ev.Primary || ev.Sent.Deleted || ev.Sent.Edited {
		return nil
	}
	link := firstLink(ev.Source.Text)
	if link == "" {
		return nil
	}
	title, excerpt, err := p.extract(ctx, link)
	if err != nil {
		// Unreadable pages are not an event worth surfacing.
		return nil
	}
	if title == "" && excerpt == "" {
		return nil
	}

	var text message.RichText
	if title != "" {
		text = append(text, message.Segment{Text: title, Bold: true, Link: link})
	}
	if excerpt != "" {
		if len(text) > 0 {
			text = append(text, message.Segment{Text: "\n"})
		}
		text = append(text, message.Plain(excerpt).Trim(p.maxLen)...)
	}
	_, err = p.h.Send(ctx, ev.Sent.Channel, &message.Message{Text: text})
	return err
}

// firstLink returns the first external http(s) link in the text.
func firstLink(rt message.RichText) string {
	for _, seg := range rt {
		if strings.HasPrefix(seg.Link, "http://") || strings.HasPrefix(seg.Link, "https://") {
			return seg.Link
		}
	}
	return ""
}

// extract fetches the page and runs it through readability.
func (p *Preview) extract(ctx context.Context, link string) (title, excerpt string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", previewUserAgent)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if ctype := resp.Header.Get("Content-Type"); !strings.Contains(ctype, "text/html") {
		return "", "", fmt.Errorf("not html: %s", ctype)
	}

	parsed, _ := url.Parse(link)
	article, err := readability.FromReader(resp.Body, parsed)
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(article.Title), strings.TrimSpace(article.Excerpt), nil
}
