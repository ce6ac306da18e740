package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshbbs/meshsched/contracts"
)

// AckToken identifies a physical send so that a later radio acknowledgment
// can be matched to it. Broadcast sends may return an empty token.
type AckToken string

// Transport is the radio driver the scheduler writes to. Send performs one
// physical write and must return once the frame is handed to the radio; the
// acknowledgment arrives later through Scheduler.Acknowledge.
type Transport interface {
	// Send writes payload to dest on channel
	Send(ctx context.Context, dest contracts.NodeID, channel uint32, payload []byte) (AckToken, error)

	// Close releases the driver
	Close() error
}

// AckHandler receives radio acknowledgments observed by a transport
type AckHandler func(token AckToken)

// AckReporter is implemented by transports that observe acknowledgments
// themselves, such as a radio bridge that relays the radio's ACK packets.
type AckReporter interface {
	SetAckHandler(handler AckHandler)
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, dest contracts.NodeID, channel uint32, payload []byte) (AckToken, error)

// Send implements Transport
func (f TransportFunc) Send(ctx context.Context, dest contracts.NodeID, channel uint32, payload []byte) (AckToken, error) {
	return f(ctx, dest, channel, payload)
}

// Close implements Transport
func (f TransportFunc) Close() error {
	return nil
}

// TransportError is a failed physical write
type TransportError struct {
	MessageID   string
	Destination contracts.NodeID
	Elapsed     time.Duration
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport send of message %s to %s failed after %v: %v",
		e.MessageID, e.Destination, e.Elapsed, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the write exceeded its bound
func (e *TransportError) Timeout() bool {
	return errors.Is(e.Err, contracts.ErrTransportTimeout)
}
