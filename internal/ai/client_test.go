package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trades-keeper/internal/config"
	"trades-keeper/internal/indicator"
)

func TestParseRecommendations(t *testing.T) {
	content := "好的，以下是建议：\n```json\n" + `{"recommendations":[
		{"position_id":"p1","symbol":"BTCUSDT","action":"adjust","take_profit":"66,500","stop_loss":57000,"confidence":0.8},
		{"position_id":"p2","symbol":"ETHUSDT","action":"CLOSE","confidence":0.9,"reasoning":"趋势转弱"},
		{"position_id":"p3","action":"SELL","confidence":0.5},
		{"position_id":"p4","action":"ADJUST","confidence":0.7},
		{"symbol":"SOLUSDT","action":"HOLD","stop_loss":"5%","confidence":1.2}
	]}` + "\n```"

	recs, invalid, err := parseRecommendations(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(recs) != 2 || len(invalid) != 3 {
		t.Fatalf("expected 2 valid and 3 invalid, got %d/%d", len(recs), len(invalid))
	}
	if recs[0].Action != ActionAdjust || recs[0].TakeProfit != 66500 || recs[0].StopLoss != 57000 {
		t.Fatalf("unexpected first recommendation %+v", recs[0])
	}
	if recs[1].Action != ActionClose || recs[1].Reasoning == "" {
		t.Fatalf("unexpected second recommendation %+v", recs[1])
	}
}

func TestParseRecommendations_BadLevelOnlyDropsItsEntry(t *testing.T) {
	content := `{"recommendations":[
		{"position_id":"p1","symbol":"BTCUSDT","action":"CLOSE","confidence":0.9},
		{"position_id":"p2","symbol":"ETHUSDT","action":"ADJUST","take_profit":"N/A","confidence":0.8},
		"garbage"
	]}`

	recs, invalid, err := parseRecommendations(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(recs) != 1 || recs[0].PositionID != "p1" || recs[0].Action != ActionClose {
		t.Fatalf("expected the CLOSE kept, got %+v", recs)
	}
	if len(invalid) != 2 || !strings.Contains(invalid[0].Error(), "第 1 条") {
		t.Fatalf("expected two invalid entries, got %v", invalid)
	}
}

func TestLevel_Percent(t *testing.T) {
	var rec Recommendation
	if err := json.Unmarshal([]byte(`{"stop_loss":"5%","take_profit":null,"dca_price":""}`), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.StopLoss != 5 || rec.TakeProfit != 0 || rec.DCAPrice != 0 {
		t.Fatalf("unexpected levels %+v", rec)
	}
	if err := json.Unmarshal([]byte(`{"stop_loss":"abc"}`), &rec); err == nil {
		t.Fatal("expected error for non-numeric level")
	}
}

func TestParseRecommendations_NoJSON(t *testing.T) {
	if _, _, err := parseRecommendations("无法给出建议"); err == nil {
		t.Fatal("expected error when output has no JSON")
	}
}

func TestBuildPrompt(t *testing.T) {
	m := indicator.Momentum{Samples: 3, ChangePercent: 1.5, RecentChangePercent: 0.8, RSI: 72, RSIPrev: 65}
	prompt, err := BuildPrompt([]PositionSummary{{PositionID: "p1", Symbol: "BTCUSDT", Direction: "LONG"}}, MarketContext{
		Trigger: "scale_in",
		Symbols: map[string]SymbolContext{"BTCUSDT": NewSymbolContext(m)},
	})
	if err != nil {
		t.Fatalf("build prompt: %v", err)
	}
	for _, want := range []string{"scale_in", `"position_id": "p1"`, `"BTCUSDT"`, "recommendations", `"rsi_direction": "rising"`, `"recent_change_percent": 0.8`} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}

func TestClient_Recommend(t *testing.T) {
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model

		content := `{"recommendations":[{"position_id":"p1","symbol":"BTCUSDT","action":"HOLD","confidence":0.6}]}`
		resp := map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   req.Model,
			"choices": []map[string]interface{}{
				{"index": 0, "finish_reason": "stop", "message": map[string]string{"role": "assistant", "content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client, err := NewClient(config.OpenAIConfig{
		APIKey:  "test",
		BaseURL: server.URL + "/v1",
		Model:   "gpt-test",
		Timeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	recs, err := client.Recommend(context.Background(), []PositionSummary{{PositionID: "p1", Symbol: "BTCUSDT"}}, MarketContext{Trigger: "scheduled"})
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	if gotModel != "gpt-test" || len(recs) != 1 || recs[0].Action != ActionHold {
		t.Fatalf("unexpected result model=%s recs=%+v", gotModel, recs)
	}
}
