package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nous-labs/relay/pkg/channel"
)

// runSession holds one gateway connection: hello, identify, then the
// dispatch loop with a heartbeat alongside. It returns when the connection
// drops, the gateway asks for a reconnect, or ctx is cancelled.
func (c *Channel) runSession(ctx context.Context, handler channel.CommandHandler) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.config.GatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial discord gateway: %w", err)
	}
	defer conn.Close()

	sessionCtx, endSession := context.WithCancel(ctx)
	defer endSession()
	// ReadMessage does not watch ctx; closing the socket unblocks it.
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	var (
		writeMu   sync.Mutex
		sequence  atomic.Int64
		heartbeat = 30 * time.Second
	)

	for helloDone := false; !helloDone; {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return sessionError("read hello", err)
		}
		var envelope gatewayEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			return fmt.Errorf("decode hello payload: %w", err)
		}
		if envelope.Op != opHello {
			continue
		}
		var hello discordHello
		if err := json.Unmarshal(envelope.D, &hello); err != nil {
			return fmt.Errorf("decode hello body: %w", err)
		}
		heartbeat = time.Duration(hello.HeartbeatIntervalMS) * time.Millisecond
		helloDone = true
	}

	if err := c.sendIdentify(conn, &writeMu); err != nil {
		return err
	}

	go c.heartbeatLoop(sessionCtx, conn, &writeMu, &sequence, heartbeat)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return sessionError("read gateway message", err)
		}

		var envelope gatewayEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.logger.Error("decode gateway envelope failed", "error", err)
			continue
		}
		if envelope.S != nil {
			sequence.Store(*envelope.S)
		}

		switch envelope.Op {
		case opDispatch:
			c.handleDispatch(ctx, handler, envelope)
		case opHeartbeat:
			if err := c.sendHeartbeat(conn, &writeMu, sequence.Load()); err != nil {
				return err
			}
		case opReconnect:
			return fmt.Errorf("gateway requested reconnect")
		case opInvalidSession:
			return fmt.Errorf("gateway invalid session")
		}
	}
}

func (c *Channel) handleDispatch(ctx context.Context, handler channel.CommandHandler, envelope gatewayEnvelope) {
	switch envelope.T {
	case "READY":
		var ready discordReady
		if err := json.Unmarshal(envelope.D, &ready); err == nil {
			c.logger.Info("discord gateway ready", "bot", ready.User.Username, "session", ready.SessionID)
		}
	case "INTERACTION_CREATE":
		var raw discordInteractionCreate
		if err := json.Unmarshal(envelope.D, &raw); err != nil {
			c.logger.Error("decode interaction create failed", "error", err)
			return
		}
		if raw.Type != interactionApplicationCommand {
			return
		}
		cmd, ok := c.toCommand(raw)
		if !ok {
			c.logger.Warn("unsupported discord command", "name", raw.Data.Name)
			c.inflight.Add(1)
			go func() {
				defer c.inflight.Done()
				cmd.Interaction.Respond(ctx, channel.Response{Content: "Unsupported command.", Private: true})
			}()
			return
		}
		c.dispatch(ctx, handler, cmd)
	}
}

// toCommand maps an application-command interaction onto a Command.
// ok is false for command names the relay does not register.
func (c *Channel) toCommand(raw discordInteractionCreate) (channel.Command, bool) {
	cmd := channel.Command{
		Source:      "discord",
		Name:        raw.Data.Name,
		UserID:      raw.userID(),
		ChannelID:   raw.ChannelID,
		Interaction: c.newInteraction(raw),
	}
	switch raw.Data.Name {
	case channel.CommandAsk:
		cmd.Text = raw.option(askOptionName)
		return cmd, true
	case channel.CommandHistory:
		return cmd, true
	default:
		return cmd, false
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, seq *atomic.Int64, interval time.Duration) {
	if interval < time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(conn, writeMu, seq.Load()); err != nil {
				c.logger.Error("heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (c *Channel) sendIdentify(conn *websocket.Conn, writeMu *sync.Mutex) error {
	payload := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   c.config.Token,
			"intents": discordIntentGuilds,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "relay",
				"device":  "relay",
			},
		},
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}
	return nil
}

func (c *Channel) sendHeartbeat(conn *websocket.Conn, writeMu *sync.Mutex, seq int64) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	var d any
	if seq > 0 {
		d = seq
	}
	if err := conn.WriteJSON(map[string]any{"op": opHeartbeat, "d": d}); err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	return nil
}

// sessionError wraps a read failure, mapping the authentication close
// code onto channel.ErrAuthentication.
func sessionError(op string, err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == closeAuthenticationFailed {
		return fmt.Errorf("discord gateway: %w: %s", channel.ErrAuthentication, closeErr.Text)
	}
	return fmt.Errorf("%s: %w", op, err)
}
