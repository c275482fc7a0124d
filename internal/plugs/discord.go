package plugs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatloom/chatloom/internal/message"
	"github.com/chatloom/chatloom/internal/plug"
)

const (
	discordAPI        = "https://discord.com/api/v10"
	discordGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	discordMaxLen     = 2000
	discordIntents    = 1<<0 | 1<<9 | 1<<12 | 1<<15 // guilds, messages, DMs, content
)

// Discord speaks the Gateway WebSocket for inbound traffic and the REST
// API for sends.
type Discord struct {
	*plug.Base
	token      string
	gatewayURL string
	httpClient *http.Client
	seq        *int
}

// NewDiscord creates a Discord plug registered under name. gatewayURL
// may be empty to use the public gateway.
func NewDiscord(name, token, gatewayURL string) *Discord {
	if gatewayURL == "" {
		gatewayURL = discordGatewayURL
	}
	d := &Discord{
		token:      token,
		gatewayURL: gatewayURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	d.Base = plug.NewBase(name, "Discord", "", d)
	return d
}

func (d *Discord) Start(ctx context.Context) error {
	if d.token == "" {
		return fmt.Errorf("discord: token not configured")
	}
	defer d.Close()
	for {
		if err := d.connect(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func (d *Discord) Stop() error {
	d.Close()
	return nil
}

func (d *Discord) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.gatewayURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	slog.Info("discord: gateway connected", "plug", d.Name())
	return d.gatewayLoop(ctx, conn)
}

func (d *Discord) gatewayLoop(ctx context.Context, conn *websocket.Conn) error {
	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var payload struct {
			Op int             `json:"op"`
			S  *int            `json:"s"`
			T  string          `json:"t"`
			D  json.RawMessage `json:"d"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			continue
		}
		if payload.S != nil {
			d.seq = payload.S
		}

		switch payload.Op {
		case 10: // HELLO
			var hello struct {
				HeartbeatInterval int `json:"heartbeat_interval"`
			}
			_ = json.Unmarshal(payload.D, &hello)
			interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
			go d.heartbeatLoop(ctx, conn, interval, heartbeatStop)
			if err := d.identify(conn); err != nil {
				return err
			}
		case 0: // DISPATCH
			d.dispatch(payload.T, payload.D)
		case 7, 9: // RECONNECT / INVALID_SESSION
			return fmt.Errorf("discord: gateway requested reconnect (op=%d)", payload.Op)
		}
	}
}

func (d *Discord) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, stop <-chan struct{}) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			data, _ := json.Marshal(map[string]any{"op": 1, "d": d.seq})
			_ = conn.WriteMessage(websocket.TextMessage, data)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Discord) identify(conn *websocket.Conn) error {
	payload := map[string]any{
		"op": 2,
		"d": map[string]any{
			"token":   d.token,
			"intents": discordIntents,
			"properties": map[string]any{
				"os": "chatloom", "browser": "chatloom", "device": "chatloom",
			},
		},
	}
	data, _ := json.Marshal(payload)
	return conn.WriteMessage(websocket.TextMessage, data)
}

type discordUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Avatar     string `json:"avatar"`
}

type discordMessage struct {
	ID              string          `json:"id"`
	ChannelID       string          `json:"channel_id"`
	Author          *discordUser    `json:"author"`
	Content         string          `json:"content"`
	Timestamp       string          `json:"timestamp"`
	EditedTimestamp string          `json:"edited_timestamp"`
	Mentions        []discordUser   `json:"mentions"`
	Attachments     []discordFile   `json:"attachments"`
	Referenced      *discordMessage `json:"referenced_message"`
}

type discordFile struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

func (d *Discord) dispatch(event string, data json.RawMessage) {
	switch event {
	case "READY":
		var ready struct {
			User discordUser `json:"user"`
		}
		if err := json.Unmarshal(data, &ready); err == nil && ready.User.ID != "" {
			d.SetNetworkID(ready.User.ID)
			d.Open()
			slog.Info("discord: ready", "plug", d.Name(), "user", ready.User.Username)
		}
	case "MESSAGE_CREATE", "MESSAGE_UPDATE":
		var msg discordMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		sent := d.translate(&msg)
		if sent == nil {
			return
		}
		if event == "MESSAGE_UPDATE" {
			sent.Edited = true
			sent.Revision = sent.ID + ":" + msg.EditedTimestamp
		}
		d.Queue(sent)
	case "MESSAGE_DELETE":
		var del struct {
			ID        string `json:"id"`
			ChannelID string `json:"channel_id"`
		}
		if err := json.Unmarshal(data, &del); err != nil || del.ID == "" {
			return
		}
		d.Queue(&message.SentMessage{Receipt: message.Receipt{
			ID:      del.ID,
			Channel: message.Channel{Plug: d, Source: del.ChannelID},
			At:      time.Now(),
			Deleted: true,
		}})
	}
}

func (d *Discord) translate(msg *discordMessage) *message.SentMessage {
	if msg == nil || msg.ID == "" || msg.ChannelID == "" {
		return nil
	}
	sent := &message.SentMessage{Receipt: message.Receipt{
		ID:      msg.ID,
		Channel: message.Channel{Plug: d, Source: msg.ChannelID},
		At:      parseDiscordTime(msg.Timestamp),
	}}
	sent.User = d.userFrom(msg.Author)
	sent.Text = d.richTextFromMarkdown(msg.Content, msg.Mentions)
	for _, att := range msg.Attachments {
		if att.URL == "" {
			continue
		}
		sent.Attachments = append(sent.Attachments, message.File{
			Title:  att.Filename,
			Type:   fileTypeFromMime(att.ContentType),
			Source: att.URL,
		})
	}
	if msg.Referenced != nil {
		ref := *msg.Referenced
		ref.Referenced = nil
		if replied := d.translate(&ref); replied != nil {
			sent.Reply = &replied.Message
		}
	}
	return sent
}

func (d *Discord) userFrom(u *discordUser) *message.User {
	if u == nil {
		return nil
	}
	out := &message.User{
		ID:       u.ID,
		Plug:     d,
		Username: u.Username,
		RealName: u.GlobalName,
	}
	if u.Avatar != "" {
		out.Avatar = "https://cdn.discordapp.com/avatars/" + u.ID + "/" + u.Avatar + ".png"
	}
	return out
}

func parseDiscordTime(ts string) time.Time {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}

// discordToken matches one markdown span, longest markers first so **
// is not read as two italic stars.
var discordToken = regexp.MustCompile("(?s)```(?:\\w*\n)?(.+?)```|`([^`\n]+)`|\\*\\*(.+?)\\*\\*|__(.+?)__|~~(.+?)~~|\\*([^*\n]+)\\*|_([^_\n]+)_|<@!?(\\d+)>")

func (d *Discord) richTextFromMarkdown(text string, mentions []discordUser) message.RichText {
	if text == "" {
		return nil
	}
	var rt message.RichText
	last := 0
	for _, m := range discordToken.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > last {
			rt = append(rt, message.Segment{Text: text[last:m[0]]})
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
			rt = append(rt, message.Segment{Text: group(1), Pre: true})
		case m[4] >= 0:
			rt = append(rt, message.Segment{Text: group(2), Code: true})
		case m[6] >= 0:
			rt = append(rt, message.Segment{Text: group(3), Bold: true})
		case m[8] >= 0:
			rt = append(rt, message.Segment{Text: group(4), Underline: true})
		case m[10] >= 0:
			rt = append(rt, message.Segment{Text: group(5), Strike: true})
		case m[12] >= 0:
			rt = append(rt, message.Segment{Text: group(6), Italic: true})
		case m[14] >= 0:
			rt = append(rt, message.Segment{Text: group(7), Italic: true})
		case m[16] >= 0:
			rt = append(rt, d.mentionSegment(group(8), mentions))
		}
	}
	if last < len(text) {
		rt = append(rt, message.Segment{Text: text[last:]})
	}
	return rt.Normalise()
}

func (d *Discord) mentionSegment(id string, mentions []discordUser) message.Segment {
	for _, u := range mentions {
		if u.ID == id {
			user := d.userFrom(&u)
			return message.Segment{Text: "@" + user.DisplayName(), Mention: user}
		}
	}
	return message.Segment{Text: "@" + id, Mention: &message.User{ID: id, Plug: d}}
}

var discordSpecial = strings.NewReplacer(
	"\\", "\\\\", "*", "\\*", "_", "\\_", "~", "\\~", "`", "\\`",
)

// renderDiscordMarkdown renders rich text into Discord markdown.
func renderDiscordMarkdown(rt message.RichText) string {
	var b strings.Builder
	for _, seg := range rt {
		switch {
		case seg.Mention != nil && seg.Mention.ID != "":
			b.WriteString("<@" + seg.Mention.ID + ">")
			continue
		case seg.Pre:
			b.WriteString("```\n" + seg.Text + "```")
			continue
		case seg.Code:
			b.WriteString("`" + seg.Text + "`")
			continue
		}
		text := discordSpecial.Replace(seg.Text)
		if seg.Bold {
			text = "**" + text + "**"
		}
		if seg.Italic {
			text = "*" + text + "*"
		}
		if seg.Underline {
			text = "__" + text + "__"
		}
		if seg.Strike {
			text = "~~" + text + "~~"
		}
		switch {
		case seg.Link != "" && seg.Link == seg.Text:
			text = seg.Link
		case seg.Link != "":
			text = text + " (<" + seg.Link + ">)"
		}
		b.WriteString(text)
	}
	return b.String()
}

func (d *Discord) Put(ctx context.Context, ch message.Channel, msg *message.Message) ([]message.Receipt, error) {
	text := msg.Text
	if msg.Action {
		text = message.RichText{{Text: text.String(), Italic: true}}
	}
	for _, a := range msg.Attachments {
		if f, ok := a.(message.File); ok && f.Source != "" {
			if text.Length() > 0 {
				text = append(text.Clone(), message.Segment{Text: "\n"})
			}
			text = append(text, message.Segment{Text: f.Source, Link: f.Source})
		}
	}

	var receipts []message.Receipt
	url := discordAPI + "/channels/" + ch.Source + "/messages"
	for _, chunk := range text.Chunked(discordMaxLen) {
		var posted discordMessage
		payload := map[string]any{"content": renderDiscordMarkdown(chunk)}
		if err := d.postJSON(ctx, url, payload, &posted); err != nil {
			return receipts, fmt.Errorf("discord: send: %w", err)
		}
		receipts = append(receipts, message.Receipt{
			ID:      posted.ID,
			Channel: message.Channel{Plug: d, Source: ch.Source},
			At:      parseDiscordTime(posted.Timestamp),
		})
	}
	return receipts, nil
}

func (d *Discord) postJSON(ctx context.Context, url string, payload, out any) error {
	data, _ := json.Marshal(payload)
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+d.token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.httpClient.Do(req)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			var rate struct {
				RetryAfter float64 `json:"retry_after"`
			}
			_ = json.Unmarshal(body, &rate)
			wait := time.Duration(rate.RetryAfter*1000) * time.Millisecond
			if wait <= 0 {
				wait = time.Second
			}
			time.Sleep(wait)
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
		}
		if out != nil {
			return json.Unmarshal(body, out)
		}
		return nil
	}
	return fmt.Errorf("max retries exceeded")
}

func (d *Discord) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+d.token)
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}

// ChannelMembers lists DM recipients; guild channel membership is not
// enumerable over the channel object.
func (d *Discord) ChannelMembers(ctx context.Context, ch message.Channel) ([]*message.User, error) {
	var info struct {
		Type       int           `json:"type"`
		Recipients []discordUser `json:"recipients"`
	}
	if err := d.getJSON(ctx, discordAPI+"/channels/"+ch.Source, &info); err != nil {
		return nil, fmt.Errorf("discord: channel info: %w", err)
	}
	if info.Type != 1 && info.Type != 3 {
		return nil, nil
	}
	members := make([]*message.User, 0, len(info.Recipients))
	for _, u := range info.Recipients {
		member := u
		members = append(members, d.userFrom(&member))
	}
	return members, nil
}

func (d *Discord) ChannelIsPrivate(ctx context.Context, ch message.Channel) (bool, bool, error) {
	var info struct {
		Type int `json:"type"`
	}
	if err := d.getJSON(ctx, discordAPI+"/channels/"+ch.Source, &info); err != nil {
		return false, false, fmt.Errorf("discord: channel info: %w", err)
	}
	return info.Type == 1, true, nil
}

func (d *Discord) UserFromID(ctx context.Context, id string) (*message.User, error) {
	var u discordUser
	if err := d.getJSON(ctx, discordAPI+"/users/"+id, &u); err != nil {
		return nil, fmt.Errorf("discord: user info: %w", err)
	}
	return d.userFrom(&u), nil
}
