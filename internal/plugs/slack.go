package plugs

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	slackgo "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/chatloom/chatloom/internal/message"
	"github.com/chatloom/chatloom/internal/plug"
)

const slackMaxLen = 4000

// Slack connects via Socket Mode and the Web API.
type Slack struct {
	*plug.Base
	botToken string
	appToken string
	web      *slackgo.Client
	sock     *socketmode.Client
}

// NewSlack creates a Slack plug registered under name.
func NewSlack(name, botToken, appToken string) *Slack {
	s := &Slack{botToken: botToken, appToken: appToken}
	s.Base = plug.NewBase(name, "Slack", "", s)
	return s
}

func (s *Slack) Start(ctx context.Context) error {
	if s.botToken == "" || s.appToken == "" {
		return fmt.Errorf("slack: bot/app token not configured")
	}
	s.web = slackgo.New(s.botToken, slackgo.OptionAppLevelToken(s.appToken))

	resp, err := s.web.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	s.SetNetworkID(resp.UserID)
	slog.Info("slack: connected", "plug", s.Name(), "bot_user_id", resp.UserID)

	s.sock = socketmode.New(s.web)
	go s.sock.RunContext(ctx) //nolint:errcheck

	s.Open()
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-s.sock.Events:
			if !ok {
				return nil
			}
			s.handleEvent(evt)
		}
	}
}

func (s *Slack) Stop() error {
	s.Close()
	s.sock = nil
	return nil
}

func (s *Slack) handleEvent(evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	s.sock.Ack(*evt.Request)
	cb, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	// Inner event data arrives as map[string]interface{} — parse manually.
	data, ok := cb.InnerEvent.Data.(map[string]interface{})
	if !ok {
		return
	}
	switch cb.InnerEvent.Type {
	case "message":
		s.handleMessage(data)
	case "member_joined_channel":
		s.handleMembership(data, true)
	case "member_left_channel":
		s.handleMembership(data, false)
	}
}

func (s *Slack) handleMessage(data map[string]interface{}) {
	channel, _ := data["channel"].(string)
	subtype, _ := data["subtype"].(string)
	if channel == "" {
		return
	}
	ch := message.Channel{Plug: s, Source: channel}

	switch subtype {
	case "message_deleted":
		ts, _ := data["deleted_ts"].(string)
		if ts == "" {
			return
		}
		s.Queue(&message.SentMessage{Receipt: message.Receipt{
			ID:      ts,
			Channel: ch,
			At:      slackTime(ts),
			Deleted: true,
		}})
	case "message_changed":
		inner, _ := data["message"].(map[string]interface{})
		if inner == nil {
			return
		}
		sent := s.translateMessage(ch, inner)
		if sent == nil {
			return
		}
		sent.Edited = true
		if edited, _ := inner["edited"].(map[string]interface{}); edited != nil {
			if ets, _ := edited["ts"].(string); ets != "" {
				sent.Revision = ets
			}
		}
		s.Queue(sent)
	case "":
		if sent := s.translateMessage(ch, data); sent != nil {
			s.Queue(sent)
		}
	}
}

func (s *Slack) translateMessage(ch message.Channel, data map[string]interface{}) *message.SentMessage {
	ts, _ := data["ts"].(string)
	userID, _ := data["user"].(string)
	text, _ := data["text"].(string)
	if ts == "" {
		return nil
	}
	sent := &message.SentMessage{Receipt: message.Receipt{
		ID:      ts,
		Channel: ch,
		At:      slackTime(ts),
	}}
	if userID != "" {
		sent.User = &message.User{ID: userID, Plug: s}
	}
	sent.Text = s.richTextFromMrkdwn(text)
	if files, ok := data["files"].([]interface{}); ok {
		for _, f := range files {
			fm, ok := f.(map[string]interface{})
			if !ok {
				continue
			}
			url, _ := fm["url_private"].(string)
			title, _ := fm["title"].(string)
			mimetype, _ := fm["mimetype"].(string)
			if url == "" {
				continue
			}
			sent.Attachments = append(sent.Attachments, message.File{
				Title:  title,
				Type:   fileTypeFromMime(mimetype),
				Source: url,
			})
		}
	}
	return sent
}

func (s *Slack) handleMembership(data map[string]interface{}, joined bool) {
	channel, _ := data["channel"].(string)
	userID, _ := data["user"].(string)
	ts, _ := data["event_ts"].(string)
	if channel == "" || userID == "" {
		return
	}
	user := &message.User{ID: userID, Plug: s}
	sent := &message.SentMessage{Receipt: message.Receipt{
		ID:      ts,
		Channel: message.Channel{Plug: s, Source: channel},
		At:      slackTime(ts),
	}}
	sent.User = user
	if joined {
		sent.Joined = []*message.User{user}
	} else {
		sent.Left = []*message.User{user}
	}
	s.Queue(sent)
}

func fileTypeFromMime(mimetype string) message.FileType {
	switch {
	case strings.HasPrefix(mimetype, "image/"):
		return message.FileImage
	case strings.HasPrefix(mimetype, "video/"):
		return message.FileVideo
	}
	return message.FileUnknown
}

func slackTime(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

// mrkdwnToken matches one formatting span: a fenced block, inline code,
// bold, italic, strikethrough, or an angle-bracket reference.
var mrkdwnToken = regexp.MustCompile("(?s)```(.+?)```|`([^`\n]+)`|\\*([^*\n]+)\\*|_([^_\n]+)_|~([^~\n]+)~|<([^<>|]+)(?:\\|([^<>]*))?>")

// richTextFromMrkdwn parses Slack's mrkdwn dialect into segments.
func (s *Slack) richTextFromMrkdwn(text string) message.RichText {
	if text == "" {
		return nil
	}
	var rt message.RichText
	last := 0
	for _, m := range mrkdwnToken.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > last {
			rt = append(rt, message.Segment{Text: unescapeSlack(text[last:m[0]])})
		}
		last = m[1]
		group := func(i int) string {
			if m[2*i] < 0 {
				return ""
			}
			return text[m[2*i]:m[2*i+1]]
		}
		switch {
		case m[2] >= 0:
			rt = append(rt, message.Segment{Text: unescapeSlack(group(1)), Pre: true})
		case m[4] >= 0:
			rt = append(rt, message.Segment{Text: unescapeSlack(group(2)), Code: true})
		case m[6] >= 0:
			rt = append(rt, message.Segment{Text: unescapeSlack(group(3)), Bold: true})
		case m[8] >= 0:
			rt = append(rt, message.Segment{Text: unescapeSlack(group(4)), Italic: true})
		case m[10] >= 0:
			rt = append(rt, message.Segment{Text: unescapeSlack(group(5)), Strike: true})
		case m[12] >= 0:
			rt = append(rt, s.segmentFromRef(group(6), group(7)))
		}
	}
	if last < len(text) {
		rt = append(rt, message.Segment{Text: unescapeSlack(text[last:])})
	}
	return rt.Normalise()
}

// segmentFromRef resolves one <...> reference: user mention, channel
// reference or link.
func (s *Slack) segmentFromRef(ref, label string) message.Segment {
	switch {
	case strings.HasPrefix(ref, "@"):
		id := strings.TrimPrefix(ref, "@")
		user := &message.User{ID: id, Plug: s, Username: label}
		text := label
		if text == "" {
			text = "@" + id
		}
		return message.Segment{Text: text, Mention: user}
	case strings.HasPrefix(ref, "#"):
		text := label
		if text == "" {
			text = ref
		} else {
			text = "#" + text
		}
		return message.Segment{Text: text}
	default:
		text := label
		if text == "" {
			text = ref
		}
		return message.Segment{Text: unescapeSlack(text), Link: ref}
	}
}

func unescapeSlack(s string) string {
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

func escapeSlack(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// renderMrkdwn renders rich text into Slack's mrkdwn dialect. Underline
// has no mrkdwn form and is dropped.
func renderMrkdwn(rt message.RichText) string {
	var b strings.Builder
	for _, seg := range rt {
		switch {
		case seg.Mention != nil && seg.Mention.ID != "":
			b.WriteString("<@" + seg.Mention.ID + ">")
			continue
		case seg.Pre:
			b.WriteString("```" + escapeSlack(seg.Text) + "```")
			continue
		case seg.Code:
			b.WriteString("`" + escapeSlack(seg.Text) + "`")
			continue
		}
		text := escapeSlack(seg.Text)
		if seg.Bold {
			text = "*" + text + "*"
		}
		if seg.Italic {
			text = "_" + text + "_"
		}
		if seg.Strike {
			text = "~" + text + "~"
		}
		if seg.Link != "" {
			text = "<" + seg.Link + "|" + text + ">"
		}
		b.WriteString(text)
	}
	return b.String()
}

func (s *Slack) Put(ctx context.Context, ch message.Channel, msg *message.Message) ([]message.Receipt, error) {
	if s.web == nil {
		return nil, fmt.Errorf("slack: not connected")
	}
	text := msg.Text
	for _, a := range msg.Attachments {
		if f, ok := a.(message.File); ok && f.Source != "" {
			if text.Length() > 0 {
				text = append(text.Clone(), message.Segment{Text: "\n"})
			}
			title := f.Title
			if title == "" {
				title = f.Source
			}
			text = append(text, message.Segment{Text: title, Link: f.Source})
		}
	}

	var receipts []message.Receipt
	for _, chunk := range text.Chunked(slackMaxLen) {
		opts := []slackgo.MsgOption{slackgo.MsgOptionText(renderMrkdwn(chunk), false)}
		if msg.Action {
			opts = append(opts, slackgo.MsgOptionMeMessage())
		}
		channel, ts, err := s.web.PostMessageContext(ctx, ch.Source, opts...)
		if err != nil {
			return receipts, fmt.Errorf("slack: post message: %w", err)
		}
		receipts = append(receipts, message.Receipt{
			ID:      ts,
			Channel: message.Channel{Plug: s, Source: channel},
			At:      slackTime(ts),
		})
	}
	return receipts, nil
}

func (s *Slack) ChannelMembers(ctx context.Context, ch message.Channel) ([]*message.User, error) {
	if s.web == nil {
		return nil, nil
	}
	var members []*message.User
	params := &slackgo.GetUsersInConversationParameters{ChannelID: ch.Source, Limit: 200}
	for {
		ids, cursor, err := s.web.GetUsersInConversationContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("slack: list members: %w", err)
		}
		for _, id := range ids {
			user, err := s.UserFromID(ctx, id)
			if err != nil {
				return nil, err
			}
			if user != nil {
				members = append(members, user)
			}
		}
		if cursor == "" {
			return members, nil
		}
		params.Cursor = cursor
	}
}

func (s *Slack) ChannelIsPrivate(ctx context.Context, ch message.Channel) (bool, bool, error) {
	if s.web == nil {
		return false, false, nil
	}
	info, err := s.web.GetConversationInfoContext(ctx, &slackgo.GetConversationInfoInput{
		ChannelID: ch.Source,
	})
	if err != nil {
		return false, false, fmt.Errorf("slack: conversation info: %w", err)
	}
	return info.IsIM, true, nil
}

func (s *Slack) UserFromID(ctx context.Context, id string) (*message.User, error) {
	if s.web == nil {
		return nil, nil
	}
	info, err := s.web.GetUserInfoContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("slack: user info: %w", err)
	}
	return &message.User{
		ID:       info.ID,
		Plug:     s,
		Username: info.Name,
		RealName: info.RealName,
		Avatar:   info.Profile.Image192,
	}, nil
}
