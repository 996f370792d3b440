// Package loki archives control-plane events in Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"beamline-control-plane/backend/internal/telemetry"
)

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize matches characters kept out of label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

const (
	jobLabel = "beamline-control"
	pushPath = "/loki/api/v1/push"
)

// PushEventJSON decodes a control-plane event (Kafka message value) and pushes it with beamline
// and event labels at the event time. Session ids stay in the line to keep label cardinality
// low. If decoding fails, the raw line is pushed at the current time without extra labels.
func PushEventJSON(ctx context.Context, client *http.Client, baseURL string, rawJSON []byte) error {
	labels := map[string]string{}
	ts := time.Now().UTC()
	var ev telemetry.Event
	if err := json.Unmarshal(rawJSON, &ev); err == nil {
		if ev.Beamline != "" {
			labels["beamline"] = ev.Beamline
		}
		if ev.Name != "" {
			labels["event"] = ev.Name
		}
		if !ev.CreatedAt.IsZero() {
			ts = ev.CreatedAt
		}
	}
	return PushEvent(ctx, client, baseURL, ts, string(rawJSON), labels)
}

// PushEvent sends one log line to Loki at baseURL (e.g. http://localhost:3100). labels are added
// to the job=beamline-control stream. A nil client uses http.DefaultClient.
func PushEvent(ctx context.Context, client *http.Client, baseURL string, timestamp time.Time, line string, labels map[string]string) error {
	if baseURL == "" {
		return fmt.Errorf("loki: base URL is empty")
	}
	payload, err := json.Marshal(PushRequest{Streams: []Stream{{
		Stream: streamLabels(labels),
		Values: [][]string{{strconv.FormatInt(timestamp.UnixNano(), 10), line}},
	}}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+pushPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("loki: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("loki: push: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}

func streamLabels(labels map[string]string) map[string]string {
	out := map[string]string{"job": jobLabel}
	for k, v := range labels {
		if clean := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_"); clean != "" {
			out[k] = clean
		}
	}
	return out
}
