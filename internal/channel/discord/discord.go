// Package discord implements the Discord channel: a gateway session that
// receives slash-command interactions and a REST client that answers them.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nous-labs/relay/pkg/channel"
)

const (
	defaultAPIBase    = "https://discord.com/api/v10"
	defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	userAgent         = "DiscordBot (https://github.com/nous-labs/relay, 0.1)"
)

// Config holds Discord channel configuration.
type Config struct {
	Token         string
	APIBase       string
	GatewayURL    string
	ApplicationID string   // optional; resolved from the token when empty
	GuildIDs      []string // register commands per guild; empty = global
	SyncCommands  bool
}

// Channel implements channel.Channel for Discord.
type Channel struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger

	mu            sync.Mutex
	applicationID string
	cancel        context.CancelFunc
	inflight      sync.WaitGroup
	reconnectWait time.Duration
}

// New creates a new Discord channel.
func New(cfg Config, logger *slog.Logger) *Channel {
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = defaultAPIBase
	}
	if strings.TrimSpace(cfg.GatewayURL) == "" {
		cfg.GatewayURL = defaultGatewayURL
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		config:        cfg,
		httpClient:    &http.Client{Timeout: 12 * time.Second},
		logger:        logger.With("channel", "discord"),
		applicationID: strings.TrimSpace(cfg.ApplicationID),
		reconnectWait: 2 * time.Second,
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "discord" }

// Start verifies the token, registers slash commands and runs gateway
// sessions until ctx is cancelled. A rejected token ends it with
// channel.ErrAuthentication.
func (c *Channel) Start(ctx context.Context, handler channel.CommandHandler) error {
	if c.config.Token == "" {
		return fmt.Errorf("discord: %w: token is empty", channel.ErrAuthentication)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()
	defer c.inflight.Wait()

	if _, err := c.resolveApplicationID(ctx); err != nil {
		if errors.Is(err, channel.ErrAuthentication) {
			return err
		}
		c.logger.Warn("discord application lookup failed", "error", err)
	}

	if c.config.SyncCommands {
		if err := c.syncCommands(ctx); err != nil {
			if errors.Is(err, channel.ErrAuthentication) {
				return err
			}
			c.logger.Warn("discord command sync failed", "error", err)
		} else {
			c.logger.Info("discord commands synced", "guild_count", len(c.config.GuildIDs))
		}
	}

	c.logger.Info("channel started", "mode", "gateway")
	for {
		if ctx.Err() != nil {
			c.logger.Info("channel stopped")
			return nil
		}
		err := c.runSession(ctx, handler)
		if errors.Is(err, channel.ErrAuthentication) {
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("channel stopped")
			return nil
		}
		c.logger.Error("discord session ended, reconnecting", "error", err)
		select {
		case <-ctx.Done():
			c.logger.Info("channel stopped")
			return nil
		case <-time.After(c.reconnectWait):
		}
	}
}

// Stop ends the gateway session; Start returns once in-flight commands finish.
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// dispatch runs one command on its own goroutine.
func (c *Channel) dispatch(ctx context.Context, handler channel.CommandHandler, cmd channel.Command) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if err := handler(ctx, cmd); err != nil {
			c.logger.Error("command handler error", "command", cmd.Name, "user", cmd.UserID, "error", err)
		}
	}()
}

func (c *Channel) appID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applicationID
}
