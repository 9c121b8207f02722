package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	xerrors "OpenSwap-Chain/internal/errors"
	"OpenSwap-Chain/internal/swap"
)

func completionServer(t *testing.T, content string, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("authorization header missing")
		}
		defer r.Body.Close()
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("failed to decode body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
}

func TestNewParserValidation(t *testing.T) {
	if _, err := NewParser(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestParseExtractsOrder(t *testing.T) {
	var body map[string]any
	srv := completionServer(t, `{"wallet":"0x19f3b78038C070030e0Cf4953EDe53aF1f0CB00E","sendingToken":"usdc","sendingAmount":1,"requestedToken":"EURC","requestedAmount":"1.5"}`, &body)
	defer srv.Close()

	parser, err := NewParser(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parser.httpClient = srv.Client()

	order, err := parser.Parse(context.Background(), "alice", "0x19f3... I am sending 1 USDC for 1.5 EURC")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if order.SendAsset != "USDC" || !order.ReceiveAmount.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected order: %+v", order)
	}
	format, ok := body["response_format"].(map[string]any)
	if !ok || format["type"] != "json_object" {
		t.Fatalf("request must ask for JSON mode, got %v", body["response_format"])
	}
}

func TestParseIncompleteModelOutput(t *testing.T) {
	srv := completionServer(t, `{"wallet":"","sendingToken":"USDC","sendingAmount":1}`, nil)
	defer srv.Close()

	parser, _ := NewParser(Config{APIKey: "test", BaseURL: srv.URL})
	parser.httpClient = srv.Client()

	if _, err := parser.Parse(context.Background(), "bob", "sending 1 USDC"); !xerrors.HasCode(err, swap.CodeInvalidOrder) {
		t.Fatalf("expected INVALID_ORDER, got %v", err)
	}
}

func TestParseHTTPErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	parser, _ := NewParser(Config{APIKey: "test", BaseURL: srv.URL})
	parser.httpClient = srv.Client()

	_, err := parser.Parse(context.Background(), "bob", "anything")
	if !xerrors.HasCode(err, xerrors.CodeUpstreamFailure) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable upstream failure, got %v", err)
	}
}
