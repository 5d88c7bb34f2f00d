package simulator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/eencloud/goeen/log"
)

func newTestSimulator(t *testing.T, opts Options) (*Simulator, *httptest.Server) {
	t.Helper()
	customFormat := "{{eenTimeStamp .Now}}[{{.Level}}]: {{.Message}}"
	customContext := log.NewContext(os.Stderr, customFormat, log.LevelError)
	logger := customContext.GetLogger("test", log.LevelError)

	sim := New(logger, opts)
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)
	return sim, srv
}

func openSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/openpos", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("openpos failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("openpos response did not decode: %v", err)
	}
	if body.AccessToken == "" {
		t.Fatal("Expected an access token")
	}
	return body.AccessToken
}

func TestSimulator_OpenPosIssuesToken(t *testing.T) {
	_, srv := newTestSimulator(t, Options{})
	token := openSession(t, srv)
	t.Logf("✓ Session opened with token %s", token)
}

func TestSimulator_GetEventRequiresToken(t *testing.T) {
	_, srv := newTestSimulator(t, Options{})
	openSession(t, srv)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/getEvent?longPollingTimeout=1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("getEvent failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without bearer token, got %d", resp.StatusCode)
	}
}

func TestSimulator_UnlockQueuesCardEvent(t *testing.T) {
	_, srv := newTestSimulator(t, Options{})
	token := openSession(t, srv)

	cmd := `{"header":{"command":"UNLOCKDEVICE"},"params":{"posOperation":"AUTHORIZE","amount":999}}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/executeposcmd", strings.NewReader(cmd))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("executeposcmd failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	evReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/getEvent?longPollingTimeout=5", nil)
	evReq.Header.Set("Authorization", "Bearer "+token)
	evResp, err := http.DefaultClient.Do(evReq)
	if err != nil {
		t.Fatalf("getEvent failed: %v", err)
	}
	defer evResp.Body.Close()

	var event struct {
		EventName string `json:"eventName"`
	}
	if err := json.NewDecoder(evResp.Body).Decode(&event); err != nil {
		t.Fatalf("Event did not decode: %v", err)
	}
	if event.EventName != "ONCARD" {
		t.Errorf("Expected ONCARD, got %s", event.EventName)
	}
}

func TestSimulator_EmptyQueueAnswersAfterTimeout(t *testing.T) {
	_, srv := newTestSimulator(t, Options{})
	token := openSession(t, srv)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/getEvent?longPollingTimeout=1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("getEvent failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Response did not decode: %v", err)
	}
	if body.Message != "Queue empty." {
		t.Errorf("Expected queue-empty message, got %q", body.Message)
	}
}

func TestSimulator_UnknownCommandRejected(t *testing.T) {
	_, srv := newTestSimulator(t, Options{})
	token := openSession(t, srv)

	cmd := `{"header":{"command":"SELFDESTRUCT"},"params":{}}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/executeposcmd", strings.NewReader(cmd))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("executeposcmd failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown command, got %d", resp.StatusCode)
	}
}
