package observability

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestEncodePush(t *testing.T) {
	body := encodePush(
		map[string]string{"type": "token", "level": "info"},
		map[string]any{
			"user_id":     "user-1",
			"event":       "refresh_success",
			"duration_ms": int64(42),
			"retryable":   true,
			"error":       fmt.Errorf("wrapped failure"),
		},
	)

	var payload struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][]string        `json:"values"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("push payload is not valid JSON: %v\n%s", err, body)
	}

	if len(payload.Streams) != 1 {
		t.Fatalf("got %d streams, want 1", len(payload.Streams))
	}
	stream := payload.Streams[0]
	if stream.Stream["type"] != "token" || stream.Stream["level"] != "info" {
		t.Errorf("labels = %v", stream.Stream)
	}
	if len(stream.Values) != 1 || len(stream.Values[0]) != 2 {
		t.Fatalf("values = %v, want one [timestamp, line] pair", stream.Values)
	}

	var line map[string]any
	if err := json.Unmarshal([]byte(stream.Values[0][1]), &line); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if line["user_id"] != "user-1" {
		t.Errorf("user_id = %v", line["user_id"])
	}
	if line["duration_ms"] != float64(42) {
		t.Errorf("duration_ms = %v, want 42", line["duration_ms"])
	}
	if line["retryable"] != true {
		t.Errorf("retryable = %v, want true", line["retryable"])
	}
	if line["error"] != "wrapped failure" {
		t.Errorf("error = %v", line["error"])
	}
}

func TestPushDisabledIsNoOp(t *testing.T) {
	defaultClient = &LokiClient{enabled: false}
	// Must not panic or block.
	Push(map[string]string{"type": "test"}, map[string]any{"k": "v"})
	LogError("test", fmt.Errorf("boom"))
	LogRequest("GET", "/v1/courses", 200, 5)
	LogTokenEvent("user-1", "google", "refresh_success", nil)
	LogSecurityEvent("", "", "missing_session_token", nil)
}
