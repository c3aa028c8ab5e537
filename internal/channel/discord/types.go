package discord

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
)

// Interaction types and callback types.
const (
	interactionApplicationCommand = 2

	callbackChannelMessage         = 4
	callbackDeferredChannelMessage = 5

	// flagEphemeral hides a message from everyone but the invoking user.
	flagEphemeral = 1 << 6
)

// closeAuthenticationFailed is the gateway close code for an invalid token.
const closeAuthenticationFailed = 4004

const discordIntentGuilds = 1 << 0

type gatewayEnvelope struct {
	Op int             `json:"op"`
	T  string          `json:"t"`
	S  *int64          `json:"s"`
	D  json.RawMessage `json:"d"`
}

type discordHello struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval"`
}

type discordReady struct {
	SessionID string        `json:"session_id"`
	User      discordAuthor `json:"user"`
}

type discordInteractionCreate struct {
	ID            string                   `json:"id"`
	ApplicationID string                   `json:"application_id"`
	Type          int                      `json:"type"`
	Token         string                   `json:"token"`
	ChannelID     string                   `json:"channel_id"`
	GuildID       string                   `json:"guild_id"`
	Data          discordInteractionData   `json:"data"`
	Member        discordInteractionMember `json:"member"`
	User          discordAuthor            `json:"user"`
}

// userID returns the invoking user: member.user in guilds, user in DMs.
func (interaction discordInteractionCreate) userID() string {
	if strings.TrimSpace(interaction.Member.User.ID) != "" {
		return strings.TrimSpace(interaction.Member.User.ID)
	}
	return strings.TrimSpace(interaction.User.ID)
}

// option returns the string value of the named option.
func (interaction discordInteractionCreate) option(name string) string {
	for _, opt := range interaction.Data.Options {
		if opt.Name == name {
			return opt.valueAsString()
		}
	}
	return ""
}

type discordInteractionData struct {
	Name    string                     `json:"name"`
	Options []discordInteractionOption `json:"options"`
}

type discordInteractionOption struct {
	Name  string `json:"name"`
	Type  int    `json:"type"`
	Value any    `json:"value"`
}

func (option discordInteractionOption) valueAsString() string {
	switch value := option.Value.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		if value == float64(int64(value)) {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

type discordInteractionMember struct {
	User discordAuthor `json:"user"`
}

type discordAuthor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// messagePayload is the body of callback data and follow-up webhooks.
type messagePayload struct {
	Content string `json:"content"`
	Flags   int    `json:"flags,omitempty"`
}

// slashCommand describes one application command registered on Discord.
type slashCommand struct {
	Name                string
	Description         string
	ArgumentName        string
	ArgumentDescription string
	ArgumentRequired    bool
}
