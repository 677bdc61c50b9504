package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestStreamAsk_NDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.FormValue("q") != "hello" || r.FormValue("user_id") != "1" {
			t.Errorf("form not forwarded: %v", r.Form)
		}
		if r.FormValue("include_tools") != "weather,prices" {
			t.Errorf("tools not joined: %q", r.FormValue("include_tools"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"type":"analysis","stage":"plan"}` + "\n"))
		w.Write([]byte("not json at all\n"))
		w.Write([]byte(`{"type":"response_chunk","content":"Hi"}` + "\n"))
		w.Write([]byte(`{"type":"response","response":"Hi there"}` + "\n"))
		w.Write([]byte(`{"type":"response_chunk","content":"after the end"}` + "\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	events := drain(c.StreamAsk(context.Background(), "1", "chat-1", "hello", "", []string{"weather", "prices"}, true))

	if len(events) != 3 {
		t.Fatalf("expected 3 events (malformed skipped, stop at response), got %d: %v", len(events), events)
	}
	if events[0].Type != "analysis" || events[1].Type != "response_chunk" || events[2].Type != "response" {
		t.Fatalf("unexpected sequence: %v", events)
	}
	if events[2].Data["response"] != "Hi there" {
		t.Fatalf("payload lost: %v", events[2].Data)
	}
}

func TestStreamAsk_SSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"type\":\"tool_use\",\"tool\":\"soil_check\"}\n\n"))
		w.Write([]byte(": a comment line\n"))
		w.Write([]byte("data: {\"type\":\"response\",\"response\":\"done\"}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
		w.Write([]byte("data: {\"type\":\"response_chunk\",\"content\":\"ignored\"}\n\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	events := drain(c.StreamAsk(context.Background(), "1", "chat-1", "q", "gemini-2.5-flash", nil, false))

	if len(events) != 2 {
		t.Fatalf("expected 2 events before [DONE], got %d: %v", len(events), events)
	}
	if events[0].Type != "tool_use" || events[1].Type != "response" {
		t.Fatalf("unexpected sequence: %v", events)
	}
}

func TestStreamAsk_TransportFailureSingleErrorEvent(t *testing.T) {
	c := NewClient("http://127.0.0.1:1") // nothing listens here
	events := drain(c.StreamAsk(context.Background(), "1", "chat-1", "q", "", nil, true))

	if len(events) != 1 || events[0].Type != "error" {
		t.Fatalf("expected exactly one synthetic error event, got %v", events)
	}
	if events[0].Data["error"] == "" {
		t.Fatalf("error detail missing")
	}
}

func TestStreamAsk_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent down for maintenance", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	events := drain(c.StreamAsk(context.Background(), "1", "chat-1", "q", "", nil, true))

	if len(events) != 1 || events[0].Type != "error" {
		t.Fatalf("expected one error event, got %v", events)
	}
}

func TestCreateChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/42/chats" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"chat_id":"remote-7"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	id, err := c.CreateChat(context.Background(), "42", "My chat")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "remote-7" {
		t.Fatalf("got %q", id)
	}
}

func TestUploadEndpointRouting(t *testing.T) {
	c := NewClient("http://agent")

	cases := map[string]string{
		"pdf":  "/upload/pdf",
		"jpg":  "/upload/image",
		"webp": "/upload/image",
		"docx": "/upload/docx",
		"xls":  "/upload/xlsx",
		"txt":  "/upload/csv",
	}
	for ext, suffix := range cases {
		got, err := c.uploadEndpoint(ext)
		if err != nil {
			t.Fatalf("%s: %v", ext, err)
		}
		if got != "http://agent"+suffix {
			t.Fatalf("%s routed to %q", ext, got)
		}
	}

	if _, err := c.uploadEndpoint("exe"); err == nil {
		t.Fatalf("exe must be rejected")
	}
}
