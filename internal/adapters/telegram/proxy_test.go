package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestProxyGetUpdates(t *testing.T) {
	var gotReq proxyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/telegram" {
			t.Errorf("неожиданный путь: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("не удалось разобрать запрос: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": []map[string]any{
				{
					"update_id": 42,
					"message": map[string]any{
						"message_id": 7,
						"date":       1693400000,
						"text":       "BUY BTC",
						"chat":       map[string]any{"id": -1001234},
						"from":       map[string]any{"username": "trader"},
					},
				},
				{"update_id": 43},
			},
		})
	}))
	defer srv.Close()

	p := NewProxy(srv.URL, "token", time.Second)
	updates, err := p.GetUpdates(context.Background(), 42, 50)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if gotReq.Method != "getUpdates" || gotReq.Token != "token" || gotReq.Offset != 42 || gotReq.Limit != 50 {
		t.Fatalf("неожиданный запрос к прокси: %+v", gotReq)
	}
	if len(updates) != 2 {
		t.Fatalf("ожидали 2 апдейта, получили %d", len(updates))
	}
	if updates[0].ID != 42 || updates[0].ChatID != "-1001234" || updates[0].Sender != "trader" || updates[0].Text != "BUY BTC" {
		t.Fatalf("апдейт разобран неверно: %+v", updates[0])
	}
	if updates[1].ID != 43 || updates[1].ChatID != "" {
		t.Fatalf("апдейт без сообщения должен сохранять только идентификатор: %+v", updates[1])
	}
}

func TestProxyGetMe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"id": 99, "username": "signalbot", "first_name": "Signal Bot"},
		})
	}))
	defer srv.Close()

	p := NewProxy(srv.URL, "token", time.Second)
	info, err := p.GetMe(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if info.ID != 99 || info.Username != "signalbot" {
		t.Fatalf("идентичность бота разобрана неверно: %+v", info)
	}
}

func TestProxyGetChatCanonicalID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"id": -1001234, "title": "VIP Signals", "type": "channel"},
		})
	}))
	defer srv.Close()

	p := NewProxy(srv.URL, "token", time.Second)
	info, err := p.GetChat(context.Background(), "@vipsignals")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if info.ID != "-1001234" {
		t.Fatalf("идентификатор должен быть каноничным числом провайдера: %q", info.ID)
	}
}

func TestProxyErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "unauthorized"})
	}))
	defer srv.Close()

	p := NewProxy(srv.URL, "bad", time.Second)
	if _, err := p.GetMe(context.Background()); err == nil {
		t.Fatalf("ожидали ошибку от прокси")
	}
}

func TestProxyHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProxy(srv.URL, "token", time.Second)
	if _, err := p.GetUpdates(context.Background(), 0, 10); err == nil {
		t.Fatalf("ожидали ошибку при не-2xx ответе")
	}
}
