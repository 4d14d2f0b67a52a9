package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenPA-Agent/internal/oracle"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestDecideSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": `{"reasoning":"需要查日历","needsTools":true,"toolsToUse":[{"name":"calendar_search","parameters":{"query":"dentist"}}],"goalAchieved":false,"isFinal":false}`,
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	decision, err := client.Decide(context.Background(), oracle.Request{UserMessage: "查一下牙医预约"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !decision.NeedsTools || len(decision.ToolsToUse) != 1 {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if decision.ToolsToUse[0].Name != "calendar_search" {
		t.Fatalf("unexpected tool call: %+v", decision.ToolsToUse[0])
	}
	if decision.GoalAchieved || decision.IsFinal {
		t.Fatalf("flags should be false: %+v", decision)
	}

	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["model"] == "" {
		t.Fatalf("model field missing in request")
	}
}

func TestDecideToleratesFencedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": "```json\n{\"reasoning\":\"done\",\"goalAchieved\":true,\"isFinal\":true}\n```",
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	decision, err := client.Decide(context.Background(), oracle.Request{UserMessage: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.GoalAchieved || !decision.IsFinal {
		t.Fatalf("fenced JSON not parsed: %+v", decision)
	}
}

func TestComposeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": "你的牙医预约在周四下午三点。",
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	reply, err := client.Compose(context.Background(), oracle.ComposeRequest{UserMessage: "牙医预约什么时候"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "你的牙医预约在周四下午三点。" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestDecideHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	if _, err := client.Decide(context.Background(), oracle.Request{UserMessage: "test"}); err == nil {
		t.Fatalf("expected error when http status is not success")
	}
}
