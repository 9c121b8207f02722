package swapclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSubmitOrderSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.EscapedPath() != "/api/v1/sessions/room%2F1/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.EscapedPath())
		}
		if got := r.Header.Get("Authorization"); got != "Bearer bot-token" {
			t.Errorf("unexpected authorization %q", got)
		}
		var order Order
		if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
			t.Errorf("decode order: %v", err)
		}
		if !order.SendAmount.Equal(decimal.RequireFromString("1.5")) {
			t.Errorf("unexpected amount %s", order.SendAmount)
		}
		_ = json.NewEncoder(w).Encode(Session{
			ID:     "room/1",
			State:  "open",
			Orders: map[string]Order{order.OwnerID: order},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetToken("bot-token")

	session, err := client.SubmitOrder(context.Background(), "room/1", Order{
		OwnerID:        "alice",
		DepositAddress: "0x1111111111111111111111111111111111111111",
		SendAsset:      "USDC",
		SendAmount:     decimal.RequireFromString("1.5"),
		ReceiveAsset:   "EURC",
		ReceiveAmount:  decimal.RequireFromString("1.4"),
	})
	if err != nil {
		t.Fatalf("submit order: %v", err)
	}
	if session.State != "open" || len(session.Orders) != 1 {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestErrorsAreDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error":{"code":"SESSION_STALE","message":"session is no longer active","metadata":{"state":"completed"}}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.GetSession(context.Background(), "done")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusGone || apiErr.Code != "SESSION_STALE" || apiErr.Metadata["state"] != "completed" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestListSessionsEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/v1/sessions" || q.Get("state") != "executing,failed" || q.Get("limit") != "5" || q.Get("order") != "asc" {
			t.Errorf("unexpected query %s", r.URL.String())
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"sessions": []Session{{ID: "a"}, {ID: "b"}}})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	sessions, err := client.ListSessions(context.Background(), ListFilter{
		States:    []string{"executing", "failed"},
		Limit:     5,
		Ascending: true,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 || sessions[1].ID != "b" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}
