// Package plugs holds the concrete network adapters. Each one embeds
// *plug.Base and supplies the network-specific transport: connect,
// translate inbound traffic into the common message model, and render
// outbound messages into whatever the network speaks.
package plugs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/chatloom/chatloom/internal/message"
	"github.com/chatloom/chatloom/internal/plug"
)

const telegramMaxLen = 4096

// Telegram implements the Telegram Bot API via long polling.
type Telegram struct {
	*plug.Base
	token string
	bot   *tgbotapi.BotAPI
}

// NewTelegram creates a Telegram plug registered under name.
func NewTelegram(name, token string) *Telegram {
	t := &Telegram{token: token}
	t.Base = plug.NewBase(name, "Telegram", "", t)
	return t
}

func (t *Telegram) Start(ctx context.Context) error {
	if t.token == "" {
		return fmt.Errorf("telegram: bot token not configured")
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	t.bot = bot
	t.SetNetworkID(strconv.FormatInt(bot.Self.ID, 10))
	slog.Info("telegram: connected", "plug", t.Name(), "username", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.Open()
	defer t.Close()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (t *Telegram) Stop() error {
	t.Close()
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
		t.bot = nil
	}
	return nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		t.queueMessage(update.Message, false)
	case update.EditedMessage != nil:
		t.queueMessage(update.EditedMessage, true)
	}
}

func (t *Telegram) queueMessage(msg *tgbotapi.Message, edited bool) {
	sent := t.translate(msg)
	if sent == nil {
		return
	}
	sent.Edited = edited
	if edited {
		sent.Revision = sent.ID + ":" + strconv.Itoa(msg.EditDate)
	}
	t.Queue(sent)
}

// translate maps one Bot API message onto the common model.
func (t *Telegram) translate(msg *tgbotapi.Message) *message.SentMessage {
	if msg == nil {
		return nil
	}
	ch := message.Channel{Plug: t, Source: strconv.FormatInt(msg.Chat.ID, 10)}
	sent := &message.SentMessage{
		Receipt: message.Receipt{
			ID:      strconv.Itoa(msg.MessageID),
			Channel: ch,
			At:      time.Unix(int64(msg.Date), 0),
		},
	}
	sent.User = t.userFrom(msg.From)

	text, entities := msg.Text, msg.Entities
	if msg.Caption != "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}
	sent.Text = t.richTextFrom(text, entities)

	if msg.Photo != nil {
		best := msg.Photo[len(msg.Photo)-1]
		if url, err := t.bot.GetFileDirectURL(best.FileID); err == nil {
			sent.Attachments = append(sent.Attachments,
				message.File{Type: message.FileImage, Source: url})
		}
	}
	if msg.Video != nil {
		if url, err := t.bot.GetFileDirectURL(msg.Video.FileID); err == nil {
			sent.Attachments = append(sent.Attachments,
				message.File{Type: message.FileVideo, Source: url})
		}
	}
	if msg.Document != nil {
		if url, err := t.bot.GetFileDirectURL(msg.Document.FileID); err == nil {
			sent.Attachments = append(sent.Attachments,
				message.File{Title: msg.Document.FileName, Source: url})
		}
	}
	if msg.Location != nil {
		sent.Attachments = append(sent.Attachments, message.Location{
			Latitude:  msg.Location.Latitude,
			Longitude: msg.Location.Longitude,
		})
	}

	for _, m := range msg.NewChatMembers {
		u := m
		sent.Joined = append(sent.Joined, t.userFrom(&u))
	}
	if msg.LeftChatMember != nil {
		sent.Left = append(sent.Left, t.userFrom(msg.LeftChatMember))
	}
	if msg.NewChatTitle != "" {
		sent.Title = msg.NewChatTitle
	}
	if msg.ReplyToMessage != nil {
		if replied := t.translate(stripReply(msg.ReplyToMessage)); replied != nil {
			sent.Reply = &replied.Message
		}
	}
	return sent
}

// stripReply cuts the reply chain at one level.
func stripReply(msg *tgbotapi.Message) *tgbotapi.Message {
	c := *msg
	c.ReplyToMessage = nil
	return &c
}

func (t *Telegram) userFrom(u *tgbotapi.User) *message.User {
	if u == nil {
		return nil
	}
	out := &message.User{
		ID:       strconv.FormatInt(u.ID, 10),
		Plug:     t,
		Username: u.UserName,
		RealName: strings.TrimSpace(u.FirstName + " " + u.LastName),
	}
	if u.UserName != "" {
		out.Link = "https://t.me/" + u.UserName
	}
	return out
}

// richTextFrom converts Bot API entities, which address the text in
// UTF-16 code units, into formatted segments.
func (t *Telegram) richTextFrom(text string, entities []tgbotapi.MessageEntity) message.RichText {
	if text == "" {
		return nil
	}
	if len(entities) == 0 {
		return message.Plain(text)
	}

	units := utf16.Encode([]rune(text))
	cuts := map[int]struct{}{0: {}, len(units): {}}
	for _, e := range entities {
		cuts[clampUnit(e.Offset, len(units))] = struct{}{}
		cuts[clampUnit(e.Offset+e.Length, len(units))] = struct{}{}
	}
	bounds := sortedKeys(cuts)

	var rt message.RichText
	for i := 0; i+1 < len(bounds); i++ {
		a, b := bounds[i], bounds[i+1]
		seg := message.Segment{Text: string(utf16.Decode(units[a:b]))}
		for _, e := range entities {
			if e.Offset > a || e.Offset+e.Length < b {
				continue
			}
			switch e.Type {
			case "bold":
				seg.Bold = true
			case "italic":
				seg.Italic = true
			case "underline":
				seg.Underline = true
			case "strikethrough":
				seg.Strike = true
			case "code":
				seg.Code = true
			case "pre":
				seg.Pre = true
			case "text_link":
				seg.Link = e.URL
			case "url":
				seg.Link = seg.Text
			case "text_mention":
				seg.Mention = t.userFrom(e.User)
			case "mention":
				seg.Mention = &message.User{
					Plug:     t,
					Username: strings.TrimPrefix(seg.Text, "@"),
				}
			}
		}
		rt = append(rt, seg)
	}
	return rt.Normalise()
}

func clampUnit(v, limit int) int {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Put sends via the Bot API, which has no context plumbing of its own.
func (t *Telegram) Put(_ context.Context, ch message.Channel, msg *message.Message) ([]message.Receipt, error) {
	if t.bot == nil {
		return nil, fmt.Errorf("telegram: bot not running")
	}
	chatID, err := strconv.ParseInt(ch.Source, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat id %q", ch.Source)
	}

	var receipts []message.Receipt
	for _, a := range msg.Attachments {
		var cfg tgbotapi.Chattable
		switch att := a.(type) {
		case message.File:
			switch att.Type {
			case message.FileImage:
				cfg = tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(att.Source))
			case message.FileVideo:
				cfg = tgbotapi.NewVideo(chatID, tgbotapi.FileURL(att.Source))
			default:
				cfg = tgbotapi.NewDocument(chatID, tgbotapi.FileURL(att.Source))
			}
		case message.Location:
			cfg = tgbotapi.NewLocation(chatID, att.Latitude, att.Longitude)
		default:
			continue
		}
		posted, err := t.bot.Send(cfg)
		if err != nil {
			slog.Error("telegram: attachment send failed", "plug", t.Name(), "err", err)
			continue
		}
		receipts = append(receipts, t.receipt(ch, &posted))
	}

	text := msg.Text
	if msg.Action {
		text = message.RichText{{Text: text.String(), Italic: true}}
	}
	for _, chunk := range text.Chunked(telegramMaxLen) {
		m := tgbotapi.NewMessage(chatID, renderTelegramHTML(chunk))
		m.ParseMode = "HTML"
		posted, err := t.bot.Send(m)
		if err != nil {
			// Fall back to plain text when the HTML is rejected.
			m2 := tgbotapi.NewMessage(chatID, chunk.String())
			posted, err = t.bot.Send(m2)
			if err != nil {
				return receipts, fmt.Errorf("telegram: send: %w", err)
			}
		}
		receipts = append(receipts, t.receipt(ch, &posted))
	}
	return receipts, nil
}

func (t *Telegram) receipt(ch message.Channel, msg *tgbotapi.Message) message.Receipt {
	return message.Receipt{
		ID:      strconv.Itoa(msg.MessageID),
		Channel: ch,
		At:      time.Unix(int64(msg.Date), 0),
	}
}

// renderTelegramHTML renders rich text into the Bot API's HTML dialect.
func renderTelegramHTML(rt message.RichText) string {
	var b strings.Builder
	for _, seg := range rt {
		var opening, closing []string
		wrap := func(o, c string) {
			opening = append(opening, o)
			closing = append([]string{c}, closing...)
		}
		if seg.Bold {
			wrap("<b>", "</b>")
		}
		if seg.Italic {
			wrap("<i>", "</i>")
		}
		if seg.Underline {
			wrap("<u>", "</u>")
		}
		if seg.Strike {
			wrap("<s>", "</s>")
		}
		if seg.Code {
			wrap("<code>", "</code>")
		}
		if seg.Pre {
			wrap("<pre>", "</pre>")
		}
		switch {
		case seg.Mention != nil && seg.Mention.ID != "":
			wrap(`<a href="tg://user?id=`+seg.Mention.ID+`">`, "</a>")
		case seg.Link != "" && seg.Link != seg.Text:
			wrap(`<a href="`+escapeHTML(seg.Link)+`">`, "</a>")
		}
		b.WriteString(strings.Join(opening, ""))
		b.WriteString(escapeHTML(seg.Text))
		b.WriteString(strings.Join(closing, ""))
	}
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// ChannelMembers is unavailable over the Bot API.
func (t *Telegram) ChannelMembers(_ context.Context, _ message.Channel) ([]*message.User, error) {
	return nil, nil
}

// ChannelIsPrivate: positive chat ids are direct conversations.
func (t *Telegram) ChannelIsPrivate(_ context.Context, ch message.Channel) (bool, bool, error) {
	chatID, err := strconv.ParseInt(ch.Source, 10, 64)
	if err != nil {
		return false, false, fmt.Errorf("telegram: invalid chat id %q", ch.Source)
	}
	return chatID > 0, true, nil
}

func (t *Telegram) UserFromID(_ context.Context, id string) (*message.User, error) {
	if t.bot == nil {
		return nil, nil
	}
	uid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, nil
	}
	// The Bot API only exposes users through chats; a bare id is all we
	// can promise.
	return &message.User{ID: strconv.FormatInt(uid, 10), Plug: t}, nil
}
