package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/powerbot/internal/models"
	"github.com/devghori1264/aerophoenix/powerbot/internal/reconciler"
)

// retryHeader is set by Slack on redelivered events.
const retryHeader = "X-Slack-Retry-Num"

// maxBody bounds Slack payloads; real ones are a few kilobytes.
const maxBody = 1 << 20

// Bot is the behaviour the HTTP layer dispatches to.
type Bot interface {
	HandleMention(ctx context.Context, text, channel string) error
	HandleClick(ctx context.Context, c reconciler.Click) error
	RefreshAll(ctx context.Context, excludeKey string) error
	Statuses(ctx context.Context) (models.Statuses, error)
	Messages(ctx context.Context) ([]models.Location, error)
	Instances() []string
}

type Handler struct {
	bot           Bot
	signingSecret string
	logger        *zap.Logger

	// handlers still running after their request was acknowledged
	wg sync.WaitGroup
}

func NewHandler(bot Bot, signingSecret string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{bot: bot, signingSecret: signingSecret, logger: logger}
}

// Routes returns the public mux Slack calls. Every route but /ping checks
// the request signature.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.handlePing)
	mux.HandleFunc("POST /slack/events", h.handleEvents)
	mux.HandleFunc("POST /slack/actions", h.handleActions)
	return mux
}

// AdminRoutes returns the operator endpoints. They are unauthenticated and
// belong on the internal listener only.
func (h *Handler) AdminRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.handlePing)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /messages", h.handleMessages)
	mux.HandleFunc("POST /refresh", h.handleRefresh)
	return mux
}

// Wait blocks until every acknowledged event has been handled.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from powerbot"})
}

// verified reads the body and checks Slack's request signature.
func (h *Handler) verified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	sv, err := slack.NewSecretsVerifier(r.Header, h.signingSecret)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "missing signature")
		return nil, false
	}
	if _, err := sv.Write(body); err != nil {
		h.writeError(w, http.StatusInternalServerError, "verify signature")
		return nil, false
	}
	if err := sv.Ensure(); err != nil {
		h.writeError(w, http.StatusUnauthorized, "bad signature")
		return nil, false
	}
	return body, true
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verified(w, r)
	if !ok {
		return
	}
	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	switch ev.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid challenge")
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return
	case slackevents.CallbackEvent:
		if retry := r.Header.Get(retryHeader); retry != "" {
			// the first delivery was already dispatched
			h.logger.Debug("ignoring redelivered event",
				zap.String("retry", retry),
				zap.String("reason", r.Header.Get("X-Slack-Retry-Reason")))
			break
		}
		if mention, ok := ev.InnerEvent.Data.(*slackevents.AppMentionEvent); ok {
			h.dispatch(r, "mention", func(ctx context.Context) error {
				return h.bot.HandleMention(ctx, mention.Text, mention.Channel)
			})
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleActions(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verified(w, r)
	if !ok {
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid interaction payload")
		return
	}

	// ack before anything slow: Slack gives up after three seconds
	w.WriteHeader(http.StatusOK)

	if cb.Type != slack.InteractionTypeBlockActions || len(cb.ActionCallback.BlockActions) == 0 {
		return
	}
	click := clickFrom(cb)
	h.dispatch(r, "click", func(ctx context.Context) error {
		return h.bot.HandleClick(ctx, click)
	})
}

func clickFrom(cb slack.InteractionCallback) reconciler.Click {
	action := cb.ActionCallback.BlockActions[0]
	ts := cb.Message.Timestamp
	if ts == "" {
		ts = cb.Container.MessageTs
	}
	channel := cb.Channel.ID
	if channel == "" {
		channel = cb.Container.ChannelID
	}
	return reconciler.Click{
		ActionID:    action.ActionID,
		BlockID:     action.BlockID,
		Value:       action.Value,
		Label:       action.Text.Text,
		ChannelID:   channel,
		MessageTS:   ts,
		ResponseURL: cb.ResponseURL,
		Blocks:      cb.Message.Blocks.BlockSet,
	}
}

// dispatch runs fn after the response is written. Errors are logged here;
// nothing is retried.
func (h *Handler) dispatch(r *http.Request, kind string, fn func(context.Context) error) {
	ctx := context.WithoutCancel(r.Context())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := fn(ctx); err != nil {
			h.logger.Error("handler failed", zap.String("kind", kind), zap.Error(err))
		}
	}()
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.bot.Statuses(r.Context())
	if err != nil {
		h.logger.Error("status", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "failed to fetch statuses")
		return
	}
	out := make(map[string]string, len(statuses))
	for _, id := range h.bot.Instances() {
		out[id] = statuses.Lookup(id).String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	locs, err := h.bot.Messages(r.Context())
	if err != nil {
		h.logger.Error("messages", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, locs)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.bot.RefreshAll(context.WithoutCancel(r.Context()), ""); err != nil {
		h.logger.Error("refresh", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to refresh")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
	h.logger.Warn("request rejected", zap.Int("status", status), zap.String("reason", msg))
}
