package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func shrinkCloseDocSchedule(c *Client, attempts int) {
	c.closeDocAttempts = attempts
	c.closeDocEventWindow = 0
	c.closeDocPollSeconds = 1
	c.closeDocRetryPause = time.Millisecond
}

func TestClient_CloseDocImmediateAcknowledgment(t *testing.T) {
	st := newScriptedTerminal(t)
	client := st.newClient(t)
	shrinkCloseDocSchedule(client, 5)

	if err := client.CloseDoc(context.Background(), []string{"A1"}, "1001"); err != nil {
		t.Fatalf("CloseDoc failed: %v", err)
	}

	closeDocs := 0
	for _, cmd := range st.commandLog() {
		if cmd == "CLOSEDOC" {
			closeDocs++
		}
	}
	if closeDocs != 1 {
		t.Errorf("Expected a single CLOSEDOC, got %d", closeDocs)
	}
}

func TestClient_CloseDocAcknowledgedByEvent(t *testing.T) {
	st := newScriptedTerminal(t)
	st.closeDocResults = []string{"PENDING"}
	st.pushEvents(`{"eventName":"ONTRNSTATUS","properties":{"documentNr":"1001"},"result":{"resultCode":"OK"}}`)

	client := st.newClient(t)
	client.closeDocAttempts = 5
	client.closeDocEventWindow = 500 * time.Millisecond
	client.closeDocPollSeconds = 1
	client.closeDocRetryPause = time.Millisecond

	if err := client.CloseDoc(context.Background(), []string{"A1"}, "1001"); err != nil {
		t.Fatalf("CloseDoc failed: %v", err)
	}
	t.Logf("✓ Event acknowledgment closes the document without extra attempts")
}

func TestClient_CloseDocExhaustsAttempts(t *testing.T) {
	st := newScriptedTerminal(t)
	st.closeDocResults = []string{"PENDING"}

	client := st.newClient(t)
	shrinkCloseDocSchedule(client, 3)

	err := client.CloseDoc(context.Background(), []string{"A1"}, "1001")

	var docErr *DocCloseError
	if !errors.As(err, &docErr) {
		t.Fatalf("Expected DocCloseError, got %v", err)
	}
	if docErr.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", docErr.Attempts)
	}
	if docErr.DocumentNr != "1001" {
		t.Errorf("Expected document 1001, got %s", docErr.DocumentNr)
	}

	closeDocs := 0
	for _, cmd := range st.commandLog() {
		if cmd == "CLOSEDOC" {
			closeDocs++
		}
	}
	if closeDocs != 3 {
		t.Errorf("Expected 3 CLOSEDOC requests, got %d", closeDocs)
	}
}

func TestClient_CloseDocTransportFailureCountsAsAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "device busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(testProfile(srv.URL), newTestLogger(), nil)
	shrinkCloseDocSchedule(client, 2)

	err := client.CloseDoc(context.Background(), []string{"A1"}, "1001")

	var docErr *DocCloseError
	if !errors.As(err, &docErr) {
		t.Fatalf("Expected DocCloseError, got %v", err)
	}
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Error("Expected the last transport failure to stay unwrappable")
	}
}

func TestClient_CloseDayRejectedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"resultCode":"DECLINED","resultMessage":"batch busy"}}`))
	}))
	defer srv.Close()

	client := NewClient(testProfile(srv.URL), newTestLogger(), nil)
	if err := client.CloseDay(context.Background()); err == nil {
		t.Fatal("Expected error for rejected CLOSEDAY")
	}
}

func TestClient_UnlockDeviceParams(t *testing.T) {
	var captured struct {
		Header struct {
			Command string `json:"command"`
		} `json:"header"`
		Params unlockDeviceParams `json:"params"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Write([]byte(`{"result":{"resultCode":"OK"}}`))
	}))
	defer srv.Close()

	client := NewClient(testProfile(srv.URL), newTestLogger(), nil)
	if err := client.UnlockDevice(context.Background(), OperationAuthorize, 999, 0); err != nil {
		t.Fatalf("UnlockDevice failed: %v", err)
	}

	if captured.Header.Command != "UNLOCKDEVICE" {
		t.Errorf("Expected UNLOCKDEVICE, got %s", captured.Header.Command)
	}
	if captured.Params.PosOperation != OperationAuthorize {
		t.Errorf("Expected AUTHORIZE intent, got %s", captured.Params.PosOperation)
	}
	if captured.Params.Amount != 999 {
		t.Errorf("Expected amount 999, got %d", captured.Params.Amount)
	}
	if captured.Params.CurrencyCode != "981" {
		t.Errorf("Expected profile currency, got %s", captured.Params.CurrencyCode)
	}
	if captured.Params.EcrVersion != "BDX-BOG-v1.0" {
		t.Errorf("Expected profile ECR version, got %s", captured.Params.EcrVersion)
	}
}

func TestClient_CreditOriginalDataGatedByProfile(t *testing.T) {
	var rawParams map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd struct {
			Params map[string]interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		rawParams = cmd.Params
		w.Write([]byte(`{"result":{"resultCode":"OK"}}`))
	}))
	defer srv.Close()

	original := &OriginalData{Time: "2026-08-29T10:00:00", STAN: "001234"}

	profile := testProfile(srv.URL)
	client := NewClient(profile, newTestLogger(), nil)
	if _, err := client.Credit(context.Background(), 999, "1001", "9999", "000000123456", original); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if _, present := rawParams["STAN"]; present {
		t.Error("STAN must be omitted when the profile does not require original data")
	}

	profile.RequireOriginalData = true
	client = NewClient(profile, newTestLogger(), nil)
	if _, err := client.Credit(context.Background(), 999, "1001", "9999", "000000123456", original); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if rawParams["STAN"] != "001234" {
		t.Errorf("Expected STAN with original data required, got %v", rawParams["STAN"])
	}
	if rawParams["time"] != "2026-08-29T10:00:00" {
		t.Errorf("Expected original time, got %v", rawParams["time"])
	}
}
