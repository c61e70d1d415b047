//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("MISSIOND_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "missiond at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

type step struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Output string `json:"output"`
	Error  string `json:"error"`
}

type missionResponse struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Status string `json:"status"`
}

type outcome struct {
	MissionID  string `json:"mission_id"`
	Status     string `json:"status"`
	FailedStep string `json:"failed_step"`
	Steps      []step `json:"steps"`
}

type alert struct {
	ID           string `json:"id"`
	MissionID    string `json:"mission_id"`
	Severity     string `json:"severity"`
	Acknowledged bool   `json:"acknowledged"`
}

func do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, baseURL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("unmarshal response: %v (body: %s)", err, string(raw))
		}
	}
	return resp.StatusCode
}

func createMission(t *testing.T, name string, steps []map[string]any) missionResponse {
	t.Helper()
	var m missionResponse
	status := do(t, http.MethodPost, "/api/missions", map[string]any{
		"name":     name,
		"type":     "training",
		"priority": "low",
		"steps":    steps,
	}, &m)
	if status != http.StatusCreated {
		t.Fatalf("create mission status = %d", status)
	}
	if m.ID == "" || !strings.HasPrefix(m.Code, "MSN-") {
		t.Fatalf("mission identity = %+v", m)
	}
	return m
}

func TestMissionRunsToCompletion(t *testing.T) {
	m := createMission(t, "e2e-happy-path", []map[string]any{
		{"name": "announce", "action": "audit", "params": map[string]string{"message": "e2e run started"}},
		{"name": "finish", "action": "noop"},
	})

	var out outcome
	if status := do(t, http.MethodPost, "/api/missions/"+m.ID+"/execute?wait=true", nil, &out); status != http.StatusOK {
		t.Fatalf("execute status = %d", status)
	}
	if out.Status != "completed" || len(out.Steps) != 2 {
		t.Fatalf("outcome = %+v", out)
	}

	var logs []map[string]any
	do(t, http.MethodGet, "/api/logs?mission_id="+m.ID, nil, &logs)
	if len(logs) == 0 {
		t.Error("no audit entries for mission")
	}

	if status := do(t, http.MethodPost, "/api/missions/"+m.ID+"/execute", nil, nil); status != http.StatusConflict {
		t.Errorf("re-execute status = %d, want 409", status)
	}
}

func TestFailedMissionRaisesAckableAlert(t *testing.T) {
	m := createMission(t, "e2e-drill", []map[string]any{
		{"name": "break", "action": "fail", "params": map[string]string{"mode": "permanent", "reason": "drill"}},
		{"name": "never", "action": "noop"},
	})

	var out outcome
	do(t, http.MethodPost, "/api/missions/"+m.ID+"/execute?wait=true", nil, &out)
	if out.Status != "failed" || out.FailedStep != "break" {
		t.Fatalf("outcome = %+v", out)
	}

	var alerts []alert
	do(t, http.MethodGet, "/api/alerts?acknowledged=false&mission_id="+m.ID, nil, &alerts)
	if len(alerts) == 0 {
		t.Fatal("no open alert for failed mission")
	}

	var msg struct {
		Content string `json:"content"`
	}
	status := do(t, http.MethodPost, "/api/gateway/rest/command", map[string]string{
		"user_name": "e2e",
		"content":   "!ack " + alerts[0].ID,
	}, &msg)
	if status != http.StatusOK || !strings.Contains(msg.Content, alerts[0].ID) {
		t.Fatalf("ack command status = %d reply = %q", status, msg.Content)
	}

	var after []alert
	do(t, http.MethodGet, "/api/alerts?acknowledged=false&mission_id="+m.ID, nil, &after)
	for _, a := range after {
		if a.ID == alerts[0].ID {
			t.Errorf("alert %s still open", a.ID)
		}
	}
}

func TestUnknownMission(t *testing.T) {
	if status := do(t, http.MethodGet, "/api/missions/does-not-exist", nil, nil); status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}
