package agent

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"strings"
)

// Event is one frame of an agent stream. Data holds the raw decoded
// payload; Type mirrors Data["type"] so callers can dispatch without
// re-asserting.
type Event struct {
	Type string
	Data map[string]any
}

func eventFromJSON(raw []byte) (Event, bool) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Event{}, false
	}
	typ, _ := data["type"].(string)
	if typ == "" {
		typ = "unknown"
	}
	return Event{Type: typ, Data: data}, true
}

// ErrorEvent builds the synthetic event used when the transport itself
// fails; callers see it in the same shape as an upstream error event.
func ErrorEvent(msg string) Event {
	return Event{
		Type: "error",
		Data: map[string]any{"type": "error", "error": msg},
	}
}

// decodeNDJSON reads one JSON object per line and stops after a
// response-typed line. Malformed lines are skipped.
func decodeNDJSON(body io.Reader, out chan<- Event) {
	sc := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2*1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		ev, ok := eventFromJSON(line)
		if !ok {
			log.Printf("agent: skipping malformed ndjson line")
			continue
		}
		out <- ev
		if ev.Type == "response" {
			return
		}
	}
	if err := sc.Err(); err != nil {
		out <- ErrorEvent("stream read failed: " + err.Error())
	}
}

// decodeSSE reads "data: <json>" frames terminated by "data: [DONE]".
func decodeSSE(body io.Reader, out chan<- Event) {
	sc := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2*1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}
		ev, ok := eventFromJSON([]byte(data))
		if !ok {
			log.Printf("agent: skipping malformed sse frame")
			continue
		}
		out <- ev
	}
	if err := sc.Err(); err != nil {
		out <- ErrorEvent("stream read failed: " + err.Error())
	}
}
