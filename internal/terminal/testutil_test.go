package terminal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/eencloud/goeen/log"

	"bridge-paymentterminal/internal/settings"
)

func newTestLogger() *log.Logger {
	customFormat := "{{eenTimeStamp .Now}}[{{.Level}}]: {{.Message}}"
	customContext := log.NewContext(os.Stderr, customFormat, log.LevelError)
	return customContext.GetLogger("test", log.LevelError)
}

func testProfile(baseURL string) settings.Profile {
	return settings.Profile{
		BaseURL:      baseURL,
		LicenseToken: "11111111-2222-3333-4444-555555555555",
		Alias:        "LANE1",
		UserName:     "cashier",
		Password:     "secret",
		CurrencyCode: "981",
		OperatorID:   "001",
		OperatorName: "Cashier One",
		ECRVersion:   "BDX-BOG-v1.0",
		Language:     "GE",
		IdleText:     "Insert Card",
		LockIdleText: "READY",
	}
}

// scriptedTerminal serves canned responses so the client and poller can be
// exercised against exact wire sequences. Events are served one per
// /getEvent call; an exhausted queue answers "Queue empty." immediately so
// tests never sit in a real long poll.
type scriptedTerminal struct {
	mu              sync.Mutex
	events          []string
	closeDocResults []string
	commands        []string
	msgBoxKeys      []string
	srv             *httptest.Server
}

func newScriptedTerminal(t *testing.T) *scriptedTerminal {
	t.Helper()

	st := &scriptedTerminal{}
	mux := http.NewServeMux()
	mux.HandleFunc("/openpos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"accessToken":"test-token"}`)
	})
	mux.HandleFunc("/closepos", func(w http.ResponseWriter, r *http.Request) {
		st.mu.Lock()
		st.commands = append(st.commands, "CLOSEPOS")
		st.mu.Unlock()
		fmt.Fprint(w, `{"result":{"resultCode":"OK"}}`)
	})
	mux.HandleFunc("/executeposcmd", st.executeHandler)
	mux.HandleFunc("/getEvent", func(w http.ResponseWriter, r *http.Request) {
		st.mu.Lock()
		defer st.mu.Unlock()
		if len(st.events) == 0 {
			fmt.Fprint(w, `{"message":"Queue empty."}`)
			return
		}
		ev := st.events[0]
		st.events = st.events[1:]
		fmt.Fprint(w, ev)
	})
	mux.HandleFunc("/getsoftwareversions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"components":[{"name":"Application","version":"1.19.7"}]}`)
	})

	st.srv = httptest.NewServer(mux)
	t.Cleanup(st.srv.Close)
	return st
}

func (st *scriptedTerminal) executeHandler(w http.ResponseWriter, r *http.Request) {
	var cmd struct {
		Header struct {
			Command string `json:"command"`
		} `json:"header"`
		Params map[string]interface{} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.commands = append(st.commands, cmd.Header.Command)

	switch cmd.Header.Command {
	case "CLOSEDOC":
		result := "OK"
		if len(st.closeDocResults) > 0 {
			result = st.closeDocResults[0]
			if len(st.closeDocResults) > 1 {
				st.closeDocResults = st.closeDocResults[1:]
			}
		}
		fmt.Fprintf(w, `{"result":{"resultCode":%q}}`, result)
	case "SETMSGBOXKEY":
		key, _ := cmd.Params["keyValue"].(string)
		st.msgBoxKeys = append(st.msgBoxKeys, key)
		fmt.Fprint(w, `{"result":{"resultCode":"OK"}}`)
	default:
		fmt.Fprint(w, `{"result":{"resultCode":"OK"}}`)
	}
}

func (st *scriptedTerminal) pushEvents(events ...string) {
	st.mu.Lock()
	st.events = append(st.events, events...)
	st.mu.Unlock()
}

func (st *scriptedTerminal) commandLog() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, len(st.commands))
	copy(out, st.commands)
	return out
}

func (st *scriptedTerminal) newClient(t *testing.T) *Client {
	t.Helper()
	return NewClient(testProfile(st.srv.URL), newTestLogger(), nil)
}
