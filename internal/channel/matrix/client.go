// Package matrix implements the Matrix channel for the relay using
// mautrix-go. Commands are plain room messages: "!ask <text>" and "!history".
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/relay/pkg/channel"
)

// commandPrefix starts every command message.
const commandPrefix = "!"

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string
	UserID       string // e.g., "relay"
	Password     string
	ServerName   string // e.g., "matrix.example.com"
	AllowedUsers []string
	DataDir      string
}

// Channel implements the channel.Channel interface for Matrix.
type Channel struct {
	config    Config
	client    *mautrix.Client
	handler   channel.CommandHandler
	startTime int64
	inflight  sync.WaitGroup

	credFile string
}

// credentials holds saved Matrix login state.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a new Matrix channel.
func New(cfg Config) *Channel {
	return &Channel{
		config:   cfg,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// Start connects to Matrix and begins listening for commands.
// Retries login with exponential backoff on failure.
func (c *Channel) Start(ctx context.Context, handler channel.CommandHandler) error {
	c.handler = handler
	c.startTime = time.Now().UnixMilli()
	defer c.inflight.Wait()

	if c.config.DataDir != "" {
		os.MkdirAll(c.config.DataDir, 0o755)
	}

	fullUserID := fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)

	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	c.client = client

	// In-memory sync store: a restart resyncs from now.
	client.Store = mautrix.NewMemorySyncStore()

	if err := c.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.onMessage(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		c.onMemberEvent(ctx, evt)
	})

	slog.Info("matrix channel ready, starting sync")

	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil // graceful shutdown
		}
		if err != nil {
			if isAuthError(err) {
				return fmt.Errorf("matrix sync: %w: %v", channel.ErrAuthentication, err)
			}
			slog.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// loginWithRetry handles Matrix login with exponential backoff.
// Tries saved credentials first, then password login with retry.
func (c *Channel) loginWithRetry(ctx context.Context, fullUserID string) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("loaded saved Matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	maxBackoff := 2 * time.Minute
	maxAttempts := 10

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slog.Info("logging into Matrix",
			"user", fullUserID,
			"homeserver", c.config.Homeserver,
			"attempt", attempt,
		)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})

		if err == nil {
			slog.Info("logged into Matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		if isAuthError(err) {
			return fmt.Errorf("matrix login: %w: %v", channel.ErrAuthentication, err)
		}

		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		slog.Warn("matrix login failed, retrying",
			"error", err,
			"attempt", attempt,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return fmt.Errorf("matrix login: exhausted retries")
}

// isAuthError reports the Matrix error codes that no retry can fix.
func isAuthError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "M_FORBIDDEN") ||
		strings.Contains(errStr, "M_UNKNOWN_TOKEN") ||
		strings.Contains(errStr, "M_INVALID_PARAM")
}

// Stop gracefully shuts down the Matrix channel.
func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

// --- Event Handlers ---

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID {
		return
	}
	if evt.Timestamp < c.startTime {
		return
	}
	if !c.isAllowed(evt.Sender) {
		return
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.MsgType != event.MsgText {
		return
	}

	name, text, ok := parseCommand(msgContent.Body)
	if !ok {
		return
	}

	slog.Info("matrix command received",
		"sender", evt.Sender,
		"room", evt.RoomID,
		"command", name,
	)

	cmd := channel.Command{
		Source:      "matrix",
		Name:        name,
		Text:        text,
		UserID:      string(evt.Sender),
		ChannelID:   string(evt.RoomID),
		Interaction: &roomInteraction{client: c.client, roomID: evt.RoomID},
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if err := c.handler(ctx, cmd); err != nil {
			slog.Error("command handler error", "command", name, "error", err)
		}
	}()
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		return
	}

	memberContent := evt.Content.AsMember()
	if memberContent == nil || memberContent.Membership != event.MembershipInvite {
		return
	}

	if !c.isAllowed(evt.Sender) {
		slog.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
		return
	}

	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

// parseCommand recognises "!ask <text>" and "!history". The ask text is
// everything after the command word, kept verbatim apart from the
// separating whitespace.
func parseCommand(body string) (name, text string, ok bool) {
	body = strings.TrimLeft(body, " \t")
	if !strings.HasPrefix(body, commandPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(body, commandPrefix)
	word, arg, _ := strings.Cut(rest, " ")
	if i := strings.IndexAny(word, "\n\t"); i >= 0 {
		word, arg = word[:i], rest[i+1:]
	}
	switch strings.ToLower(word) {
	case channel.CommandAsk:
		arg = strings.TrimLeft(arg, " \t\n")
		if arg == "" {
			return "", "", false
		}
		return channel.CommandAsk, arg, true
	case channel.CommandHistory:
		return channel.CommandHistory, "", true
	}
	return "", "", false
}

// --- Interaction ---

// roomInteraction replies in the room a command came from. Matrix has no
// ephemeral messages, so private replies are sent as notices.
type roomInteraction struct {
	client *mautrix.Client
	roomID id.RoomID
}

// Defer shows a typing notification while the command runs.
func (i *roomInteraction) Defer(ctx context.Context) error {
	if _, err := i.client.UserTyping(ctx, i.roomID, true, 60*time.Second); err != nil {
		slog.Debug("matrix typing notification failed", "room", i.roomID, "error", err)
	}
	return nil
}

func (i *roomInteraction) Respond(ctx context.Context, resp channel.Response) error {
	var err error
	if resp.Private {
		_, err = i.client.SendNotice(ctx, i.roomID, resp.Content)
	} else {
		_, err = i.client.SendText(ctx, i.roomID, resp.Content)
	}
	if err != nil {
		slog.Error("matrix send failed", "room", i.roomID, "len", len(resp.Content), "error", err)
		return &channel.DeliveryError{Channel: "matrix", Err: err}
	}
	i.client.UserTyping(ctx, i.roomID, false, 0)
	slog.Info("matrix message sent", "room", i.roomID, "len", len(resp.Content))
	return nil
}

// --- Credentials ---

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	os.WriteFile(c.credFile, data, 0o600)
}

func (c *Channel) isAllowed(sender id.UserID) bool {
	if len(c.config.AllowedUsers) == 0 || c.config.AllowedUsers[0] == "" {
		return true // no restriction
	}
	for _, allowed := range c.config.AllowedUsers {
		if string(sender) == allowed {
			return true
		}
	}
	return false
}
