package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nous-labs/relay/pkg/channel"
)

const askOptionName = "text"

// relayCommands are the slash commands registered on startup.
var relayCommands = []slashCommand{
	{
		Name:                channel.CommandAsk,
		Description:         "Ask the assistant a question",
		ArgumentName:        askOptionName,
		ArgumentDescription: "What you want to ask",
		ArgumentRequired:    true,
	},
	{
		Name:        channel.CommandHistory,
		Description: "Show your recent interactions",
	},
}

func (c *Channel) syncCommands(ctx context.Context) error {
	applicationID, err := c.resolveApplicationID(ctx)
	if err != nil {
		return err
	}
	payload := buildCommandPayload(relayCommands)
	if len(c.config.GuildIDs) == 0 {
		url := fmt.Sprintf("%s/applications/%s/commands", c.config.APIBase, applicationID)
		return c.putCommands(ctx, url, payload)
	}
	for _, guildID := range c.config.GuildIDs {
		url := fmt.Sprintf("%s/applications/%s/guilds/%s/commands", c.config.APIBase, applicationID, strings.TrimSpace(guildID))
		if err := c.putCommands(ctx, url, payload); err != nil {
			return err
		}
	}
	return nil
}

// resolveApplicationID looks up the bot's application, which also proves
// the token is valid. A configured id is kept over the looked-up one.
func (c *Channel) resolveApplicationID(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/oauth2/applications/@me", c.config.APIBase)
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("discord application lookup: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("discord application lookup: %w: status=%d", channel.ErrAuthentication, res.StatusCode)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return "", fmt.Errorf("discord application lookup failed: status=%d body=%s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode discord application lookup: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applicationID == "" {
		c.applicationID = strings.TrimSpace(payload.ID)
	}
	if c.applicationID == "" {
		return "", fmt.Errorf("discord application lookup returned empty id")
	}
	return c.applicationID, nil
}

func (c *Channel) putCommands(ctx context.Context, url string, payload []map[string]any) error {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPut, url, bodyBytes)
	if err != nil {
		return err
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return fmt.Errorf("discord command upsert failed: status=%d body=%s", res.StatusCode, strings.TrimSpace(string(responseBody)))
	}
	return nil
}

func buildCommandPayload(commands []slashCommand) []map[string]any {
	payload := make([]map[string]any, 0, len(commands))
	for _, command := range commands {
		entry := map[string]any{
			"name":        command.Name,
			"description": command.Description,
			"type":        1,
		}
		if command.ArgumentName != "" {
			entry["options"] = []map[string]any{
				{
					"type":        3,
					"name":        command.ArgumentName,
					"description": command.ArgumentDescription,
					"required":    command.ArgumentRequired,
				},
			}
		}
		payload = append(payload, entry)
	}
	return payload
}

// newRequest builds an authenticated REST request with an optional JSON body.
func (c *Channel) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+c.config.Token)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
