// Package bus receives upstream package events from fedmsg endpoints.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-zeromq/zmq4"
)

// Event is one message published on the bus.
type Event struct {
	Topic string
	// Body is the JSON envelope; its "msg" member holds the payload.
	Body []byte
}

// Subscriber yields bus events in arrival order.
type Subscriber interface {
	// Next blocks until an event arrives or the subscription ends.
	Next(ctx context.Context) (Event, error)
	Close() error
}

// ZMQ subscribes to fedmsg publishers over ZeroMQ SUB sockets.
type ZMQ struct {
	socket zmq4.Socket
	logger *slog.Logger
}

var _ Subscriber = (*ZMQ)(nil)

// Dial connects to every endpoint and subscribes to all topics. The socket
// is closed when ctx is done.
func Dial(ctx context.Context, endpoints []string, log *slog.Logger) (*ZMQ, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("bus: no endpoints configured")
	}

	sock := zmq4.NewSub(ctx)
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		sock.Close()
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}
	for _, ep := range endpoints {
		if err := sock.Dial(ep); err != nil {
			sock.Close()
			return nil, fmt.Errorf("bus: dial %s: %w", ep, err)
		}
		log.Info("listening for package updates", "endpoint", ep)
	}
	return &ZMQ{socket: sock, logger: log}, nil
}

// Next implements Subscriber.Next.
func (z *ZMQ) Next(ctx context.Context) (Event, error) {
	for {
		msg, err := z.socket.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			return Event{}, fmt.Errorf("bus: receive: %w", err)
		}
		ev, err := frameEvent(msg.Frames)
		if err != nil {
			z.logger.Warn("dropping malformed bus message", "error", err)
			continue
		}
		return ev, nil
	}
}

// Close implements Subscriber.Close.
func (z *ZMQ) Close() error {
	return z.socket.Close()
}

// frameEvent decodes a [topic, body] multipart message.
func frameEvent(frames [][]byte) (Event, error) {
	if len(frames) != 2 {
		return Event{}, fmt.Errorf("expected 2 frames, got %d", len(frames))
	}
	if len(frames[0]) == 0 {
		return Event{}, errors.New("empty topic")
	}
	return Event{Topic: string(frames[0]), Body: frames[1]}, nil
}
