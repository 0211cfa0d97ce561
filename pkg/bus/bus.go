package bus

import (
	"context"
	"errors"
	"strconv"
)

// ErrClosed is returned by Receive after the subscription is closed
var ErrClosed = errors.New("subscription closed")

// Bus is a fire-and-forget pub/sub transport. Publish reports how many
// subscribers were listening at the moment of publication; zero means the
// message was not delivered to anyone and must never be read as success.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Subscribers(ctx context.Context, channel string) (int64, error)
	Close() error
}

// Subscription delivers payloads published on one channel
type Subscription interface {
	// Receive blocks until a message arrives, ctx is done or the
	// subscription is closed.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Channels names the command and report channels
type Channels struct {
	CommandPrefix string
	Reports       string
}

// DefaultChannels matches the channel names agents subscribe to
var DefaultChannels = Channels{CommandPrefix: "vps-commands:", Reports: "agent-reports"}

// Commands returns the command channel for a node
func (c Channels) Commands(nodeID int64) string {
	return c.CommandPrefix + strconv.FormatInt(nodeID, 10)
}
