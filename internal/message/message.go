package message

import "time"

// Origin identifies the plug that owns a user or channel. It is the small
// slice of the plug surface the content model needs, so value types never
// depend on the plug machinery itself.
type Origin interface {
	// Name returns the unique registration name of the plug (e.g. "tg-main").
	Name() string
	// Network returns the human-readable network label (e.g. "Telegram").
	Network() string
	// NetworkID returns a stable identifier unique to the connected account.
	NetworkID() string
}

func originID(o Origin) string {
	if o == nil {
		return ""
	}
	// Networks assign ids only once connected; fall back to the plug
	// name so channels on two not-yet-connected plugs stay distinct.
	if id := o.NetworkID(); id != "" {
		return id
	}
	return "name:" + o.Name()
}

// User is a network-specific identity.
type User struct {
	ID        string // network-scoped identifier, may be empty
	Plug      Origin // owning plug, nil for synthetic users
	Username  string
	RealName  string
	Avatar    string
	Link      string
	Suggested bool // low-priority display hint
}

// DisplayName prefers the real name over the username.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.RealName != "" {
		return u.RealName
	}
	return u.Username
}

// Equal reports identity equality: same owning network and id, or, for
// users without an id, matching username, real name and link.
func (u *User) Equal(o *User) bool {
	if u == nil || o == nil {
		return u == o
	}
	if u.ID != "" || o.ID != "" {
		return u.ID == o.ID && originID(u.Plug) == originID(o.Plug)
	}
	return u.Username == o.Username && u.RealName == o.RealName && u.Link == o.Link
}

// Channel is a (plug, plug-local source id) pair. A Channel with a nil
// Plug is an unresolved placeholder.
type Channel struct {
	Plug   Origin
	Source string
}

// Equal compares channels by owning network and source.
func (c Channel) Equal(o Channel) bool {
	return c.Source == o.Source && originID(c.Plug) == originID(o.Plug)
}

// Unresolved reports whether the channel is a placeholder with no plug.
func (c Channel) Unresolved() bool {
	return c.Plug == nil
}

func (c Channel) String() string {
	if c.Plug == nil {
		return "?/" + c.Source
	}
	return c.Plug.Name() + "/" + c.Source
}

// FileType classifies a file attachment.
type FileType int

const (
	FileUnknown FileType = iota
	FileImage
	FileVideo
)

// Attachment is the closed set of things that can accompany a message:
// a File, a Location, or forwarded content (*Message or *Receipt).
type Attachment interface {
	isAttachment()
}

// File is an attached file referenced by URL.
type File struct {
	Title  string
	Type   FileType
	Source string
}

// Location is an attached geographic position.
type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
	Address   string
}

func (File) isAttachment()     {}
func (Location) isAttachment() {}
func (*Message) isAttachment() {}
func (*Receipt) isAttachment() {}

// Message is the logical content of something said: text, sender and the
// event flags common to all networks.
type Message struct {
	Text        RichText
	User        *User
	Edited      bool
	Action      bool // "/me"-style emote
	Reply       *Message
	Joined      []*User
	Left        []*User
	Title       string // channel rename
	Attachments []Attachment
}

// Clone returns a deep copy so a stored source message and a transformed
// outbound copy never alias each other.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Text = m.Text.Clone()
	c.Reply = m.Reply.Clone()
	if m.Joined != nil {
		c.Joined = append([]*User(nil), m.Joined...)
	}
	if m.Left != nil {
		c.Left = append([]*User(nil), m.Left...)
	}
	if m.Attachments != nil {
		c.Attachments = make([]Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			if nested, ok := a.(*Message); ok {
				c.Attachments[i] = nested.Clone()
			} else {
				c.Attachments[i] = a
			}
		}
	}
	return &c
}

// Receipt is the delivery identity of a physical, already-sent message.
// ID is adapter-stable and persists across edits; Revision changes per
// edit and defaults to the id.
type Receipt struct {
	ID       string
	Channel  Channel
	At       time.Time
	Revision string
	Deleted  bool
}

// Rev returns the revision, falling back to the message id.
func (r Receipt) Rev() string {
	if r.Revision != "" {
		return r.Revision
	}
	return r.ID
}

// Equal compares receipts by id, revision and channel.
func (r Receipt) Equal(o Receipt) bool {
	return r.ID == o.ID && r.Rev() == o.Rev() && r.Channel.Equal(o.Channel)
}

// SentMessage unites a Message with its Receipt: the type plugs produce
// for every observed network event.
type SentMessage struct {
	Receipt
	Message
}
