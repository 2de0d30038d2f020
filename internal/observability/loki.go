// Package observability pushes structured log events to Grafana Loki.
// Pushes are async and best-effort: losing a log line must never slow
// down or fail a request.
package observability

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-faster/jx"
)

type LokiClient struct {
	url            string
	username       string
	apiKey         string
	httpClient     *http.Client
	enabled        bool
	appName        string
	instanceID     string
	instanceRegion string
}

var defaultClient *LokiClient

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func Init() {
	url := os.Getenv("GRAFANA_LOKI_URL")
	username := os.Getenv("GRAFANA_LOKI_USER")
	apiKey := os.Getenv("GRAFANA_LOKI_API_KEY")

	appName := os.Getenv("APP_ENV")
	if appName == "" {
		appName = "drive-learning-dev"
	}

	instanceID := firstNonEmpty(
		os.Getenv("INSTANCE_ID"),
		os.Getenv("RENDER_INSTANCE_ID"),
		"local",
	)
	instanceRegion := firstNonEmpty(
		os.Getenv("INSTANCE_REGION"),
		os.Getenv("RENDER_REGION"),
		"local",
	)

	if url == "" || username == "" || apiKey == "" {
		log.Println("Loki not configured, logging disabled")
		defaultClient = &LokiClient{enabled: false, appName: appName, instanceID: instanceID, instanceRegion: instanceRegion}
		return
	}

	defaultClient = &LokiClient{
		url:            url + "/loki/api/v1/push",
		username:       username,
		apiKey:         apiKey,
		httpClient:     &http.Client{Timeout: 5 * time.Second},
		enabled:        true,
		appName:        appName,
		instanceID:     instanceID,
		instanceRegion: instanceRegion,
	}
	log.Println("Loki client initialized")
}

func Push(labels map[string]string, data map[string]any) {
	if defaultClient == nil || !defaultClient.enabled {
		return
	}

	go defaultClient.push(labels, data)
}

func (c *LokiClient) push(labels map[string]string, data map[string]any) {
	if labels == nil {
		labels = make(map[string]string)
	}
	labels["app"] = c.appName
	labels["instance"] = c.instanceID
	labels["region"] = c.instanceRegion

	body := encodePush(labels, data)

	httpReq, err := http.NewRequest("POST", c.url, bytes.NewReader(body))
	if err != nil {
		log.Printf("Loki: failed to create request: %v", err)
		return
	}

	httpReq.SetBasicAuth(c.username, c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("Loki: failed to send: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("Loki: unexpected status code: %d", resp.StatusCode)
		return
	}
}

// encodePush builds the Loki push API payload:
// {"streams":[{"stream":{labels},"values":[[ts,line]]}]}
func encodePush(labels map[string]string, data map[string]any) []byte {
	line := encodeLine(data)

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("streams", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("stream", func(e *jx.Encoder) {
						e.Obj(func(e *jx.Encoder) {
							for _, k := range sortedKeys(labels) {
								e.Field(k, func(e *jx.Encoder) {
									e.Str(labels[k])
								})
							}
						})
					})
					e.Field("values", func(e *jx.Encoder) {
						e.Arr(func(e *jx.Encoder) {
							e.Arr(func(e *jx.Encoder) {
								e.Str(strconv.FormatInt(time.Now().UnixNano(), 10))
								e.Str(string(line))
							})
						})
					})
				})
			})
		})
	})
	return e.Bytes()
}

// encodeLine serializes the event fields into the JSON log line.
func encodeLine(data map[string]any) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e.Field(k, func(e *jx.Encoder) {
				switch v := data[k].(type) {
				case string:
					e.Str(v)
				case bool:
					e.Bool(v)
				case int:
					e.Int(v)
				case int64:
					e.Int64(v)
				case float64:
					e.Float64(v)
				case time.Duration:
					e.Int64(v.Milliseconds())
				case error:
					e.Str(v.Error())
				case nil:
					e.Null()
				default:
					e.Str(fmt.Sprintf("%v", v))
				}
			})
		}
	})
	return e.Bytes()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LogRequest logs a completed HTTP request.
func LogRequest(method, path string, statusCode int, durationMs int64) {
	labels := map[string]string{
		"type":   "request",
		"method": method,
		"path":   path,
		"level":  "info",
	}

	data := map[string]any{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": durationMs,
	}

	Push(labels, data)
}

// LogError logs an error with its originating context.
func LogError(context string, err error) {
	labels := map[string]string{
		"type":  "error",
		"level": "error",
	}

	data := map[string]any{
		"context": context,
		"error":   fmt.Sprintf("%v", err),
	}

	Push(labels, data)
}

// LogTokenEvent logs an access token lifecycle event (refresh, reauth,
// cache eviction) for a user.
func LogTokenEvent(userID, provider, event string, details map[string]any) {
	labels := map[string]string{
		"type":     "token",
		"provider": provider,
		"level":    "info",
	}

	data := map[string]any{
		"user_id":  userID,
		"provider": provider,
		"event":    event,
	}
	for k, v := range details {
		data[k] = v
	}

	Push(labels, data)
}

// LogSecurityEvent logs a security-related event.
func LogSecurityEvent(requestID, userID, event string, details map[string]any) {
	labels := map[string]string{
		"type":  "security",
		"level": "warn",
	}

	data := map[string]any{
		"request_id": requestID,
		"user_id":    userID,
		"event":      event,
	}
	for k, v := range details {
		data[k] = v
	}

	Push(labels, data)
}
