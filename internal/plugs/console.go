package plugs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatloom/chatloom/internal/message"
	"github.com/chatloom/chatloom/internal/plug"
)

var consoleExitCommands = map[string]bool{
	"exit":  true,
	"quit":  true,
	"/exit": true,
	"/quit": true,
	":q":    true,
}

// Console wires the terminal into the host: stdin lines become inbound
// messages on a single "console" channel and outbound sends print to
// stdout. Receipt ids are synthesized since a terminal has none.
type Console struct {
	*plug.Base
	in   io.Reader
	out  io.Writer
	user *message.User
}

// NewConsole creates the terminal plug registered under name.
func NewConsole(name string) *Console {
	c := &Console{in: os.Stdin, out: os.Stdout}
	c.Base = plug.NewBase(name, "Console", "console", c)
	c.user = &message.User{ID: "console", Plug: c, Username: "console"}
	return c
}

func (c *Console) channel() message.Channel {
	return message.Channel{Plug: c, Source: "console"}
}

// Start runs the stdin loop until ctx is cancelled or stdin closes.
func (c *Console) Start(ctx context.Context) error {
	c.Open()
	defer c.Close()
	fmt.Fprintf(c.out, "console ready. Type 'exit' or press Ctrl+C to quit.\n")

	scanner := bufio.NewScanner(c.in)
	for {
		scanDone := make(chan bool, 1)
		go func() {
			scanDone <- scanner.Scan()
		}()

		select {
		case ok := <-scanDone:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if consoleExitCommands[strings.ToLower(line)] {
			return nil
		}

		sent := &message.SentMessage{Receipt: message.Receipt{
			ID:      uuid.NewString(),
			Channel: c.channel(),
			At:      time.Now(),
		}}
		sent.User = c.user
		sent.Text = message.Plain(line)
		c.Queue(sent)
	}
}

func (c *Console) Stop() error {
	c.Close()
	return nil
}

func (c *Console) Put(_ context.Context, ch message.Channel, msg *message.Message) ([]message.Receipt, error) {
	name := msg.User.DisplayName()
	if name == "" {
		name = "chatloom"
	}
	var receipts []message.Receipt
	for _, line := range msg.Text.Lines() {
		fmt.Fprintf(c.out, "%s: %s\n", name, line.String())
	}
	receipts = append(receipts, message.Receipt{
		ID:      uuid.NewString(),
		Channel: ch,
		At:      time.Now(),
	})
	return receipts, nil
}

func (c *Console) ChannelMembers(_ context.Context, _ message.Channel) ([]*message.User, error) {
	return []*message.User{c.user}, nil
}

func (c *Console) ChannelIsPrivate(_ context.Context, _ message.Channel) (bool, bool, error) {
	return true, true, nil
}

func (c *Console) UserFromID(_ context.Context, id string) (*message.User, error) {
	if id == c.user.ID {
		return c.user, nil
	}
	return nil, nil
}
