package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tg-signal-relay/internal/adapters/repo"
	"tg-signal-relay/internal/domain"
	"tg-signal-relay/internal/usecase/broadcast"
	"tg-signal-relay/internal/usecase/channels"
)

// Handler — административная поверхность сервиса: то, что в приложении
// вызывают экраны витрины и бэк-офиса.
type Handler struct {
	channels      *channels.Service
	broadcast     *broadcast.Service
	subs          domain.SubscriptionRepo
	notifications domain.NotificationRepo
	log           zerolog.Logger
}

// NewHandler создаёт обработчик.
func NewHandler(channelSvc *channels.Service, broadcastSvc *broadcast.Service, subs domain.SubscriptionRepo, notifications domain.NotificationRepo, log zerolog.Logger) *Handler {
	return &Handler{channels: channelSvc, broadcast: broadcastSvc, subs: subs, notifications: notifications, log: log}
}

// Mount регистрирует маршруты.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/api/v1/channels/verify", h.verifyChannel)
	r.Post("/api/v1/channels", h.saveChannel)
	r.Get("/api/v1/channels", h.listChannels)
	r.Get("/api/v1/channels/{chatID}", h.getChannel)
	r.Post("/api/v1/channels/{chatID}/activate", h.setActive(true))
	r.Post("/api/v1/channels/{chatID}/deactivate", h.setActive(false))
	r.Get("/api/v1/channels/{chatID}/subscribers/count", h.subscriberCount)
	r.Post("/api/v1/channels/{chatID}/broadcast", h.sendBroadcast)
	r.Post("/api/v1/channels/{chatID}/test", h.sendTest)
	r.Post("/api/v1/subscriptions", h.createSubscription)
	r.Get("/api/v1/users/{userID}/notifications", h.listNotifications)
	r.Post("/api/v1/notifications/{id}/read", h.markRead)
}

type verifyRequest struct {
	BotToken string `json:"bot_token"`
	ChatRef  string `json:"chat_ref"`
}

func (h *Handler) verifyChannel(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	botInfo, err := h.channels.VerifyBot(r.Context(), req.BotToken)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	chatInfo, err := h.channels.VerifyChat(r.Context(), req.BotToken, req.ChatRef)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"bot":  map[string]any{"id": botInfo.ID, "username": botInfo.Username, "name": botInfo.Name},
		"chat": map[string]any{"id": chatInfo.ID, "title": chatInfo.Title, "type": chatInfo.Type},
	})
}

type saveChannelRequest struct {
	PrevChatID  string `json:"prev_chat_id"`
	BotToken    string `json:"bot_token"`
	ChatRef     string `json:"chat_ref"`
	Title       string `json:"title"`
	Type        string `json:"type"`
	PriceMinor  int64  `json:"price_minor"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

func (h *Handler) saveChannel(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req saveChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BotToken == "" || req.ChatRef == "" {
		writeError(w, http.StatusBadRequest, "bot_token and chat_ref are required")
		return
	}
	saved, err := h.channels.SaveChannel(r.Context(), channels.SaveChannelParams{
		PrevChatID:  req.PrevChatID,
		BotToken:    req.BotToken,
		ChatRef:     req.ChatRef,
		Title:       req.Title,
		Type:        domain.SubscriptionType(req.Type),
		PriceMinor:  req.PriceMinor,
		Description: req.Description,
		Active:      req.Active,
	})
	if err != nil {
		if errors.Is(err, channels.ErrBotVerification) || errors.Is(err, channels.ErrChatVerification) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("сохранение канала не удалось")
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	writeJSON(w, channelJSON(saved))
}

func (h *Handler) listChannels(w http.ResponseWriter, r *http.Request) {
	list, err := h.channels.ListActive(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("список каналов недоступен")
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, channel := range list {
		out = append(out, channelJSON(channel))
	}
	writeJSON(w, out)
}

func (h *Handler) getChannel(w http.ResponseWriter, r *http.Request) {
	channel, err := h.channels.GetChannel(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		if errors.Is(err, repo.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "channel not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get failed")
		return
	}
	writeJSON(w, channelJSON(channel))
}

func (h *Handler) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chatID := chi.URLParam(r, "chatID")
		if err := h.channels.SetActive(r.Context(), chatID, active); err != nil {
			if errors.Is(err, repo.ErrChannelNotFound) {
				writeError(w, http.StatusNotFound, "channel not found")
				return
			}
			h.log.Error().Err(err).Str("chat_id", chatID).Msg("переключение активности не удалось")
			writeError(w, http.StatusInternalServerError, "toggle failed")
			return
		}
		writeJSON(w, map[string]any{"chat_id": chatID, "active": active})
	}
}

func (h *Handler) subscriberCount(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	count, err := h.channels.SubscriberCount(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count failed")
		return
	}
	writeJSON(w, map[string]any{"chat_id": chatID, "count": count})
}

type broadcastRequest struct {
	BroadcastID string `json:"broadcast_id"`
	Text        string `json:"text"`
	Template    *struct {
		Action string `json:"action"`
		Symbol string `json:"symbol"`
		Entry  string `json:"entry"`
		Target string `json:"target"`
		Stop   string `json:"stop"`
	} `json:"template"`
}

func (h *Handler) sendBroadcast(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	chatID := chi.URLParam(r, "chatID")
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		report domain.DispatchReport
		err    error
	)
	if req.Template != nil {
		report, err = h.broadcast.SendSignal(r.Context(), chatID, broadcast.SignalTemplate{
			Action: req.Template.Action,
			Symbol: req.Template.Symbol,
			Entry:  req.Template.Entry,
			Target: req.Template.Target,
			Stop:   req.Template.Stop,
		}, req.BroadcastID)
	} else {
		report, err = h.broadcast.SendCustom(r.Context(), chatID, req.Text, req.BroadcastID)
	}
	if err != nil {
		if errors.Is(err, broadcast.ErrEmptyMessage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, broadcast.ErrDuplicateBroadcast) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.log.Error().Err(err).Str("chat_id", chatID).Msg("рассылка не удалась")
		writeError(w, http.StatusInternalServerError, "broadcast failed")
		return
	}
	writeJSON(w, reportJSON(report))
}

func (h *Handler) sendTest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	chatID := chi.URLParam(r, "chatID")
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	report, err := h.broadcast.SendTest(r.Context(), chatID, req.Text, req.BroadcastID)
	if err != nil {
		if errors.Is(err, broadcast.ErrDuplicateBroadcast) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.log.Error().Err(err).Str("chat_id", chatID).Msg("тестовая рассылка не удалась")
		writeError(w, http.StatusInternalServerError, "test broadcast failed")
		return
	}
	writeJSON(w, reportJSON(report))
}

type subscriptionRequest struct {
	UserID    string     `json:"user_id"`
	ChatID    string     `json:"chat_id"`
	IsPaid    bool       `json:"is_paid"`
	PaidMinor int64      `json:"paid_minor"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "user_id and chat_id are required")
		return
	}
	sub, err := h.subs.CreateSubscription(r.Context(), domain.Subscription{
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		IsPaid:    req.IsPaid,
		PaidMinor: req.PaidMinor,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.log.Error().Err(err).Str("chat_id", req.ChatID).Msg("создание подписки не удалось")
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	writeJSON(w, map[string]any{"id": sub.ID, "subscribed_at": sub.SubscribedAt})
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.notifications.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, n := range list {
		out = append(out, map[string]any{
			"id": n.ID, "chat_id": n.ChatID, "title": n.Title, "body": n.Body,
			"type": n.Type, "read": n.Read, "created_at": n.CreatedAt,
		})
	}
	writeJSON(w, out)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := h.notifications.MarkRead(r.Context(), id, req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func channelJSON(channel domain.Channel) map[string]any {
	return map[string]any{
		"chat_id":     channel.ChatID,
		"title":       channel.Title,
		"active":      channel.Active,
		"type":        string(channel.Type),
		"price_minor": channel.PriceMinor,
		"description": channel.Description,
	}
}

func reportJSON(report domain.DispatchReport) map[string]any {
	return map[string]any{
		"total":     report.Total,
		"delivered": report.Delivered,
		"failed":    report.Failed,
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
