// Package channel defines the interface for communication channels.
// Channels turn platform events (Discord interactions, Matrix messages)
// into Commands and carry the replies back.
package channel

import (
	"context"
	"errors"
)

// Command names understood by every channel.
const (
	CommandAsk     = "ask"
	CommandHistory = "history"
)

// ErrAuthentication is returned by Start when the platform rejects the
// configured credential. It is fatal: no command can run without it.
var ErrAuthentication = errors.New("platform authentication failed")

// Command represents an incoming command from any channel.
type Command struct {
	// Source identifies the channel (e.g., "discord", "matrix")
	Source string

	// Name is the command name (CommandAsk or CommandHistory)
	Name string

	// Text is the command argument, empty for commands without one
	Text string

	// UserID is the channel-specific identity of the invoking user
	UserID string

	// ChannelID is the channel-specific conversation surface
	ChannelID string

	// Interaction is the handle used to reply to this command
	Interaction Interaction
}

// Response represents an outgoing message for one interaction.
type Response struct {
	// Content is the text to send
	Content string

	// Private marks the message as visible only to the invoking user
	Private bool
}

// Interaction replies to a single command.
type Interaction interface {
	// Defer acknowledges the command; the real reply follows later.
	Defer(ctx context.Context) error

	// Respond sends one message. The first call answers the command,
	// later calls (or any call after Defer) are follow-ups.
	Respond(ctx context.Context, resp Response) error
}

// Channel is the interface for a communication channel.
type Channel interface {
	// Name returns the channel identifier (e.g., "discord").
	Name() string

	// Start begins listening for commands. Blocks until ctx is cancelled
	// or the platform rejects the credential (ErrAuthentication).
	Start(ctx context.Context, handler CommandHandler) error

	// Stop gracefully shuts down the channel.
	Stop() error
}

// CommandHandler is called for every command received from any channel.
// Handlers report failures to the user themselves; the returned error is
// only logged by the channel.
type CommandHandler func(ctx context.Context, cmd Command) error

// DeliveryError reports that the platform refused an outbound message.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return e.Channel + " delivery: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }
