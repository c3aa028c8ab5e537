package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/nous-labs/relay/pkg/channel"
)

// interaction answers one application command. The first reply goes
// through the interaction callback; everything after it, or after Defer,
// is a follow-up webhook message.
type interaction struct {
	ch            *Channel
	id            string
	token         string
	applicationID string

	mu    sync.Mutex
	acked bool
}

func (c *Channel) newInteraction(raw discordInteractionCreate) *interaction {
	appID := strings.TrimSpace(raw.ApplicationID)
	if appID == "" {
		appID = c.appID()
	}
	return &interaction{
		ch:            c,
		id:            raw.ID,
		token:         raw.Token,
		applicationID: appID,
	}
}

// Defer acknowledges the interaction so Discord shows a pending reply.
func (i *interaction) Defer(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.acked {
		return nil
	}
	if err := i.callback(ctx, map[string]any{"type": callbackDeferredChannelMessage}); err != nil {
		return &channel.DeliveryError{Channel: "discord", Err: err}
	}
	i.acked = true
	return nil
}

func (i *interaction) Respond(ctx context.Context, resp channel.Response) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	msg := messagePayload{Content: resp.Content}
	if resp.Private {
		msg.Flags = flagEphemeral
	}

	if !i.acked {
		err := i.callback(ctx, map[string]any{"type": callbackChannelMessage, "data": msg})
		if err != nil {
			return &channel.DeliveryError{Channel: "discord", Err: err}
		}
		i.acked = true
		return nil
	}

	if err := i.followUp(ctx, msg); err != nil {
		return &channel.DeliveryError{Channel: "discord", Err: err}
	}
	return nil
}

func (i *interaction) callback(ctx context.Context, body map[string]any) error {
	if strings.TrimSpace(i.id) == "" || strings.TrimSpace(i.token) == "" {
		return fmt.Errorf("missing interaction id or token")
	}
	url := fmt.Sprintf("%s/interactions/%s/%s/callback", i.ch.config.APIBase, i.id, i.token)
	return i.post(ctx, url, body, "interaction response")
}

func (i *interaction) followUp(ctx context.Context, msg messagePayload) error {
	if strings.TrimSpace(i.applicationID) == "" {
		return fmt.Errorf("missing application id for follow-up")
	}
	url := fmt.Sprintf("%s/webhooks/%s/%s", i.ch.config.APIBase, i.applicationID, i.token)
	return i.post(ctx, url, msg, "follow-up message")
}

func (i *interaction) post(ctx context.Context, url string, body any, what string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := i.ch.newRequest(ctx, http.MethodPost, url, payload)
	if err != nil {
		return err
	}

	res, err := i.ch.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord %s: %w", what, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("discord %s failed: status=%d body=%s", what, res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
