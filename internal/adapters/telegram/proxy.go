package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tg-signal-relay/internal/domain"
	"tg-signal-relay/internal/infra/metrics"
)

// Proxy реализует domain.MessagingTransport через промежуточную функцию,
// которая транслирует вызовы в Bot API. Используется там, где прямой доступ
// к api.telegram.org закрыт; интервал опроса у прокси длиннее прямого.
type Proxy struct {
	client   *http.Client
	baseURL  string
	token    string
	interval time.Duration
}

// NewProxy создаёт прокси-транспорт.
func NewProxy(baseURL, token string, interval time.Duration) *Proxy {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Proxy{
		client:   &http.Client{Timeout: 15 * time.Second},
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		interval: interval,
	}
}

// PollInterval возвращает интервал опроса прокси-режима.
func (p *Proxy) PollInterval() time.Duration {
	return p.interval
}

type proxyRequest struct {
	Method  string `json:"method"`
	Token   string `json:"token"`
	ChatRef string `json:"chat_ref,omitempty"`
	Offset  int64  `json:"offset,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type proxyEnvelope struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (p *Proxy) call(ctx context.Context, req proxyRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/telegram", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	metrics.ObserveNetworkRequest("telegram", req.Method, "proxy", start, err)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("proxy call failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var envelope proxyEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !envelope.OK {
		if envelope.Description == "" {
			return errors.New("proxy call failed")
		}
		return fmt.Errorf("proxy call failed: %s", envelope.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// GetMe проверяет токен бота через прокси.
func (p *Proxy) GetMe(ctx context.Context) (domain.BotInfo, error) {
	var result struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
	}
	if err := p.call(ctx, proxyRequest{Method: "getMe", Token: p.token}, &result); err != nil {
		return domain.BotInfo{}, err
	}
	return domain.BotInfo{ID: result.ID, Username: result.Username, Name: result.FirstName}, nil
}

// GetChat разрешает ссылку на чат через прокси.
func (p *Proxy) GetChat(ctx context.Context, chatRef string) (domain.ChatInfo, error) {
	var result struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
		Type  string `json:"type"`
	}
	req := proxyRequest{Method: "getChat", Token: p.token, ChatRef: strings.TrimSpace(chatRef)}
	if err := p.call(ctx, req, &result); err != nil {
		return domain.ChatInfo{}, err
	}
	return domain.ChatInfo{ID: strconv.FormatInt(result.ID, 10), Title: result.Title, Type: result.Type}, nil
}

// GetUpdates возвращает апдейты начиная с указанного offset.
func (p *Proxy) GetUpdates(ctx context.Context, offset int64, limit int) ([]domain.Update, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var result []struct {
		UpdateID int64 `json:"update_id"`
		Message  *struct {
			MessageID int64  `json:"message_id"`
			Date      int64  `json:"date"`
			Text      string `json:"text"`
			Chat      struct {
				ID int64 `json:"id"`
			} `json:"chat"`
			From *struct {
				Username  string `json:"username"`
				FirstName string `json:"first_name"`
			} `json:"from"`
		} `json:"message"`
	}
	req := proxyRequest{Method: "getUpdates", Token: p.token, Offset: offset, Limit: limit}
	if err := p.call(ctx, req, &result); err != nil {
		return nil, err
	}

	updates := make([]domain.Update, 0, len(result))
	for _, u := range result {
		upd := domain.Update{ID: u.UpdateID}
		if u.Message != nil {
			upd.MsgID = u.Message.MessageID
			upd.ChatID = strconv.FormatInt(u.Message.Chat.ID, 10)
			upd.Text = u.Message.Text
			upd.SentAt = time.Unix(u.Message.Date, 0).UTC()
			if u.Message.From != nil {
				if u.Message.From.Username != "" {
					upd.Sender = u.Message.From.Username
				} else {
					upd.Sender = u.Message.From.FirstName
				}
			}
		}
		updates = append(updates, upd)
	}
	return updates, nil
}
