package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/relay/internal/llm"
	"github.com/nous-labs/relay/pkg/channel"
	"github.com/nous-labs/relay/pkg/history"
)

// User-facing notices.
const (
	timeoutNotice      = "⌛ The completion API took too long to respond."
	errorNoticePrefix  = "❌ Error: "
	emptyHistoryNotice = "No saved history."
	historyHeader      = "**Recent interactions:**"

	// historyPreviewLen is how many characters of each turn the history view shows.
	historyPreviewLen = 50
)

// onCommand handles commands from any channel.
func (d *Daemon) onCommand(ctx context.Context, cmd channel.Command) error {
	d.metrics.commandsInFlight.Inc()
	defer d.metrics.commandsInFlight.Dec()

	logger := slog.With(
		"command_id", uuid.NewString(),
		"command", cmd.Name,
		"source", cmd.Source,
		"user", cmd.UserID,
		"channel", cmd.ChannelID,
	)

	switch cmd.Name {
	case channel.CommandAsk:
		return d.handleAsk(ctx, cmd, logger)
	case channel.CommandHistory:
		return d.handleHistory(ctx, cmd, logger)
	default:
		d.metrics.commandsTotal.WithLabelValues(cmd.Name, "unknown").Inc()
		return fmt.Errorf("unknown command %q", cmd.Name)
	}
}

// handleAsk runs the ask flow: record the question, build the prompt from
// the recent turns, call the provider, record the answer and deliver it.
// Any failure ends in exactly one private notice.
func (d *Daemon) handleAsk(ctx context.Context, cmd channel.Command, logger *slog.Logger) error {
	start := time.Now()
	logger.Info("processing ask", "len", len(cmd.Text))

	if err := cmd.Interaction.Defer(ctx); err != nil {
		logger.Warn("defer failed, answering directly", "error", err)
	}

	sent, err := d.ask(ctx, cmd, logger)
	d.metrics.messagesDelivered.Add(float64(sent))
	if err != nil {
		d.metrics.commandsTotal.WithLabelValues(cmd.Name, "error").Inc()
		logger.Error("ask failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return d.notifyFailure(ctx, cmd.Interaction, err)
	}

	d.metrics.commandsTotal.WithLabelValues(cmd.Name, "ok").Inc()
	logger.Info("ask answered",
		"messages", sent,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// ask performs the ask flow steps and returns how many messages went out.
func (d *Daemon) ask(ctx context.Context, cmd channel.Command, logger *slog.Logger) (int, error) {
	store, err := d.openLog(ctx)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	if err := store.Append(ctx, history.Turn{
		UserID:    cmd.UserID,
		ChannelID: cmd.ChannelID,
		Role:      history.RoleUser,
		Content:   cmd.Text,
	}); err != nil {
		return 0, err
	}

	// The window includes the turn just written.
	recent, err := store.Recent(ctx, cmd.UserID, cmd.ChannelID, d.config.History.Window)
	if err != nil {
		return 0, err
	}

	resp, err := d.complete(ctx, Assemble(d.config.Directive, recent, cmd.Text))
	if err != nil {
		return 0, err
	}
	logger.Debug("completion received",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)

	if err := store.Append(ctx, history.Turn{
		UserID:    cmd.UserID,
		ChannelID: cmd.ChannelID,
		Role:      history.RoleAssistant,
		Content:   resp.Content,
	}); err != nil {
		return 0, err
	}

	return Deliver(ctx, cmd.Interaction, resp.Content, d.config.MaxChunk)
}

// complete makes the single completion call for an ask.
func (d *Daemon) complete(ctx context.Context, messages []llm.Message) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := d.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    messages,
		Model:       d.config.LLM.Model,
		MaxTokens:   d.config.LLM.MaxOutput,
		Temperature: d.config.LLM.Temperature,
		Timeout:     d.timeout,
	})
	d.metrics.completionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		kind := "other"
		var ce *llm.CompletionError
		if errors.As(err, &ce) {
			kind = ce.Kind.String()
		}
		d.metrics.completionFailures.WithLabelValues(kind).Inc()
		return nil, err
	}
	return resp, nil
}

// handleHistory answers with the user's latest turns across all channels.
func (d *Daemon) handleHistory(ctx context.Context, cmd channel.Command, logger *slog.Logger) error {
	content, err := d.historyView(ctx, cmd.UserID)
	if err != nil {
		d.metrics.commandsTotal.WithLabelValues(cmd.Name, "error").Inc()
		logger.Error("history failed", "error", err)
		return d.notifyFailure(ctx, cmd.Interaction, err)
	}

	if err := cmd.Interaction.Respond(ctx, channel.Response{Content: content, Private: true}); err != nil {
		d.metrics.commandsTotal.WithLabelValues(cmd.Name, "error").Inc()
		return fmt.Errorf("send history: %w", err)
	}
	d.metrics.messagesDelivered.Inc()
	d.metrics.commandsTotal.WithLabelValues(cmd.Name, "ok").Inc()
	logger.Info("history shown")
	return nil
}

func (d *Daemon) historyView(ctx context.Context, userID string) (string, error) {
	store, err := d.openLog(ctx)
	if err != nil {
		return "", err
	}
	defer store.Close()

	latest, err := store.RecentForUser(ctx, userID, d.config.History.Window)
	if err != nil {
		return "", err
	}
	return FormatHistory(latest), nil
}

// FormatHistory renders turns, most recent first, as the history reply.
func FormatHistory(turns []history.Turn) string {
	if len(turns) == 0 {
		return emptyHistoryNotice
	}
	lines := make([]string, 0, len(turns)+1)
	lines = append(lines, historyHeader)
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s...", t.Role, preview(t.Content, historyPreviewLen)))
	}
	return strings.Join(lines, "\n")
}

// preview returns the first n characters of s.
func preview(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// failureNotice is the private message shown for a failed command.
func failureNotice(err error) string {
	if llm.IsTimeout(err) {
		return timeoutNotice
	}
	return errorNoticePrefix + err.Error()
}

func (d *Daemon) notifyFailure(ctx context.Context, ix channel.Interaction, cause error) error {
	if err := ix.Respond(ctx, channel.Response{Content: failureNotice(cause), Private: true}); err != nil {
		return fmt.Errorf("send failure notice: %w", err)
	}
	d.metrics.messagesDelivered.Inc()
	return nil
}

func (d *Daemon) openLog(ctx context.Context) (history.Log, error) {
	return d.opener(ctx)
}
