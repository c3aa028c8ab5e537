// Package daemon implements the relay service: it receives commands from a
// platform channel, keeps each conversation's recent turns in the history
// store, forwards them to the completion provider and delivers the answer.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/relay/internal/channel/discord"
	"github.com/nous-labs/relay/internal/channel/matrix"
	"github.com/nous-labs/relay/internal/llm"
	"github.com/nous-labs/relay/pkg/channel"
	"github.com/nous-labs/relay/pkg/history"
)

// Daemon is the main relay process.
type Daemon struct {
	config   *Config
	opener   history.Opener
	provider llm.Provider
	channel  channel.Channel
	metrics  *metrics
	timeout  time.Duration

	startedAt time.Time
	healthy   atomic.Bool
}

// New creates a daemon for cfg, building the completion provider and the
// platform channel it names. Turn logs are acquired through opener.
func New(cfg *Config, opener history.Opener) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var provider llm.Provider
	switch cfg.LLM.Provider {
	case "anthropic":
		provider = llm.NewAnthropic(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
	default:
		provider = llm.NewOpenAICompat("openai", cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
	}
	if cfg.LLM.APIKey == "" {
		slog.Warn("no completion API key configured, requests will likely be rejected", "provider", provider.Name())
	}

	var ch channel.Channel
	switch cfg.Platform {
	case PlatformMatrix:
		ch = matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.Matrix.DataDir,
		})
	default:
		ch = discord.New(discord.Config{
			Token:         cfg.Discord.Token,
			APIBase:       cfg.Discord.APIBase,
			GatewayURL:    cfg.Discord.GatewayURL,
			ApplicationID: cfg.Discord.ApplicationID,
			GuildIDs:      cfg.Discord.GuildIDs,
			SyncCommands:  cfg.Discord.syncCommands(),
		}, slog.Default())
	}

	return newDaemon(cfg, opener, provider, ch)
}

// newDaemon wires already-built dependencies.
func newDaemon(cfg *Config, opener history.Opener, provider llm.Provider, ch channel.Channel) (*Daemon, error) {
	cfg.applyDefaults()
	timeout, err := cfg.LLM.timeout()
	if err != nil {
		return nil, err
	}
	return &Daemon{
		config:    cfg,
		opener:    opener,
		provider:  provider,
		channel:   ch,
		metrics:   newMetrics(),
		timeout:   timeout,
		startedAt: time.Now(),
	}, nil
}

// Run starts the channel and the ops HTTP server and blocks until ctx is
// cancelled or the channel fails. A channel.ErrAuthentication from the
// platform is returned wrapped.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("relay daemon running",
		"name", d.config.Name,
		"platform", d.channel.Name(),
		"provider", d.provider.Name(),
		"model", d.config.LLM.Model,
		"history", d.config.History.Driver,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting channel", "channel", d.channel.Name())
		d.healthy.Store(true)
		defer d.healthy.Store(false)
		if err := d.channel.Start(gctx, d.onCommand); err != nil {
			return fmt.Errorf("%s channel: %w", d.channel.Name(), err)
		}
		return nil
	})

	if d.config.HTTPAddr != "" {
		srv := &http.Server{Addr: d.config.HTTPAddr, Handler: d.Handler()}
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
		g.Go(func() error {
			slog.Info("API listening", "addr", d.config.HTTPAddr, "endpoints", []string{"/health", "/metrics", "/v1/history"})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("API server error", "error", err)
			}
			return nil
		})
	}

	err := g.Wait()
	d.channel.Stop()
	if err != nil && ctx.Err() == nil {
		return err
	}

	slog.Info("relay daemon shutting down")
	return nil
}

// Handler returns the ops HTTP API.
// Endpoints:
//   - GET /health: health check
//   - GET /metrics: Prometheus metrics
//   - GET /v1/history: stored turns for a user
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if d.healthy.Load() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(d.startedAt).Round(time.Second))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"starting"}`)
		}
	})
	mux.Handle("/metrics", promhttp.HandlerFor(d.metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/history", d.handleHistoryAPI)
	return mux
}

// historyResponse is the JSON response for /v1/history.
type historyResponse struct {
	Turns []historyTurn `json:"turns"`
	Count int           `json:"count"`
}

// historyTurn is a single stored turn in the history response.
type historyTurn struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// handleHistoryAPI serves a read-only view of the turn log.
// Query params:
//   - user: user id (required)
//   - channel: restrict to one channel; turns are then oldest first
//   - limit: max results (default 5, max 100)
func (d *Daemon) handleHistoryAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed"}`)
		return
	}

	user := r.URL.Query().Get("user")
	if user == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"missing required parameter: user"}`)
		return
	}

	limit := defaultHistoryWindow
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	store, err := d.openLog(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}
	defer store.Close()

	var turns []history.Turn
	if channelID := r.URL.Query().Get("channel"); channelID != "" {
		turns, err = store.Recent(r.Context(), user, channelID, limit)
	} else {
		turns, err = store.RecentForUser(r.Context(), user, limit)
	}
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}

	result := historyResponse{
		Turns: make([]historyTurn, 0, len(turns)),
		Count: len(turns),
	}
	for _, t := range turns {
		result.Turns = append(result.Turns, historyTurn{
			ID:        t.ID,
			UserID:    t.UserID,
			ChannelID: t.ChannelID,
			Role:      string(t.Role),
			Content:   t.Content,
			CreatedAt: t.CreatedAt.Format(time.RFC3339Nano),
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		slog.Warn("failed to encode history response", "error", err)
	}
}
