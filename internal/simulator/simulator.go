// Package simulator is an in-process stand-in for a payment terminal. It
// speaks the same JSON over HTTP surface the bridge targets: session open
// and close, command execution and a long-polled event queue. Tests drive
// it directly through httptest; the terminal-simulator command serves it on
// a TCP port for manual integration runs.
package simulator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/eencloud/goeen/log"
	"github.com/google/uuid"
)

// Options shape the scripted terminal behavior for one simulator instance.
type Options struct {
	// CardReadDelay is how long the simulated cardholder takes to present
	// a card after an unlock.
	CardReadDelay time.Duration
	// KeyboardConfirm makes card waits resolve with an ONKBD FR/OK event
	// instead of an ONCARD event.
	KeyboardConfirm bool
	// CloseDocImmediateOK acknowledges CLOSEDOC in the immediate response.
	// When false, the acknowledgment arrives as an ONTRNSTATUS event.
	CloseDocImmediateOK bool
	// CloseDocSilent suppresses every CLOSEDOC acknowledgment so the
	// bridge's retry schedule can be observed.
	CloseDocSilent bool
	// MsgBoxOnCloseDay raises an ONMSGBOX during settlement that must be
	// answered before the receipt appears.
	MsgBoxOnCloseDay bool
	// FailAuthorize rejects /executeposcmd AUTHORIZE at the HTTP level.
	FailAuthorize bool
	// RejectAuth makes /openpos return no access token.
	RejectAuth bool
}

// Simulator holds the scripted terminal state behind a Handler.
type Simulator struct {
	logger *log.Logger
	opts   Options

	mu          sync.Mutex
	accessToken string
	msgBoxAcked bool
	declineNext bool

	// events feed /getEvent. Buffered so command handlers never block.
	events chan json.RawMessage

	// Call counters for assertions.
	UnlockDeviceCalls int
	LockDeviceCalls   int
	ClosePosCalls     int
	CloseDocCalls     int
	SetMsgBoxCalls    int
}

func New(logger *log.Logger, opts Options) *Simulator {
	return &Simulator{
		logger: logger,
		opts:   opts,
		events: make(chan json.RawMessage, 32),
	}
}

// Handler returns the simulator's HTTP surface.
func (s *Simulator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/openpos", s.openPosHandler)
	mux.HandleFunc("/closepos", s.closePosHandler)
	mux.HandleFunc("/executeposcmd", s.executeHandler)
	mux.HandleFunc("/getEvent", s.getEventHandler)
	mux.HandleFunc("/getsoftwareversions", s.versionsHandler)
	return mux
}

// ScriptNextDecline makes the next AUTHORIZE or CREDIT resolve as Declined.
func (s *Simulator) ScriptNextDecline() {
	s.mu.Lock()
	s.declineNext = true
	s.mu.Unlock()
}

// ScriptNoise enqueues an arbitrary payload ahead of the next real event.
func (s *Simulator) ScriptNoise(payload json.RawMessage) {
	s.events <- payload
}

func (s *Simulator) openPosHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.opts.RejectAuth {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"accessToken":""}`)
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.accessToken = token
	s.mu.Unlock()

	s.logger.Infof("simulator session opened")
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"accessToken":%q}`, token)
}

func (s *Simulator) closePosHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.accessToken = ""
	s.ClosePosCalls++
	s.mu.Unlock()

	s.logger.Infof("simulator session closed")
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"result":{"resultCode":"OK"}}`)
}

func (s *Simulator) authorized(r *http.Request) bool {
	s.mu.Lock()
	token := s.accessToken
	s.mu.Unlock()
	return token != "" && r.Header.Get("Authorization") == "Bearer "+token
}

type commandEnvelope struct {
	Header struct {
		Command string `json:"command"`
	} `json:"header"`
	Params map[string]interface{} `json:"params"`
}

func (s *Simulator) executeHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var cmd commandEnvelope
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.logger.Infof("simulator executing %s", cmd.Header.Command)
	w.Header().Set("Content-Type", "application/json")

	switch cmd.Header.Command {
	case "UNLOCKDEVICE":
		s.mu.Lock()
		s.UnlockDeviceCalls++
		s.mu.Unlock()
		op, _ := cmd.Params["posOperation"].(string)
		if op == "AUTHORIZE" || op == "CREDIT" {
			s.scheduleCardEvent()
		}
		fmt.Fprint(w, `{"result":{"resultCode":"OK"}}`)

	case "LOCKDEVICE":
		s.mu.Lock()
		s.LockDeviceCalls++
		s.mu.Unlock()
		fmt.Fprint(w, `{"result":{"resultCode":"OK"}}`)

	case "AUTHORIZE":
		if s.opts.FailAuthorize {
			http.Error(w, "terminal busy", http.StatusInternalServerError)
			return
		}
		s.emitTransactionStatus(cmd.Params, false)
		fmt.Fprint(w, `{"result":{"resultCode":"OK","resultMessage":"accepted"}}`)

	case "CREDIT":
		s.emitTransactionStatus(cmd.Params, false)
		fmt.Fprint(w, `{"result":{"resultCode":"OK","resultMessage":"accepted"}}`)

	case "VOID":
		s.emitTransactionStatus(cmd.Params, true)
		fmt.Fprint(w, `{"result":{"resultCode":"OK","resultMessage":"accepted"}}`)

	case "CLOSEDOC":
		s.handleCloseDoc(w, cmd.Params)

	case "CLOSEDAY":
		s.scheduleDayClose()
		fmt.Fprint(w, `{"result":{"resultCode":"OK"}}`)

	case "SETMSGBOXKEY":
		s.mu.Lock()
		s.SetMsgBoxCalls++
		s.msgBoxAcked = true
		s.mu.Unlock()
		fmt.Fprint(w, `{"result":{"resultCode":"OK"}}`)

	default:
		http.Error(w, fmt.Sprintf("unknown command %q", cmd.Header.Command), http.StatusBadRequest)
	}
}

func (s *Simulator) scheduleCardEvent() {
	delay := s.opts.CardReadDelay
	keyboard := s.opts.KeyboardConfirm
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if keyboard {
			s.events <- json.RawMessage(`{"eventName":"ONKBD","properties":{"kbdKey":"FR","text":"OK"}}`)
			return
		}
		s.events <- json.RawMessage(`{"eventName":"ONCARD","properties":{"tranSourceMedia":"Chip"}}`)
	}()
}

func (s *Simulator) emitTransactionStatus(params map[string]interface{}, void bool) {
	s.mu.Lock()
	declined := s.declineNext
	s.declineNext = false
	s.mu.Unlock()

	operationID := uuid.NewString()
	documentNr, _ := params["documentNr"].(string)
	amount := int64(0)
	if v, ok := params["amount"].(float64); ok {
		amount = int64(v)
	}

	state := "Approved"
	resultMessage := "Approved"
	if declined {
		state = "Declined"
		resultMessage = "Declined by issuer"
	}
	if void {
		operationID, _ = params["operationId"].(string)
		state = "Reversed"
		resultMessage = "Reversed"
	}

	receipt := fmt.Sprintf(`{"eventName":"ONPRINT","properties":{"receiptText":"AMOUNT %d\nDOC %s","documentNr":%q}}`, amount, documentNr, documentNr)
	status := fmt.Sprintf(`{"eventName":"ONTRNSTATUS","properties":{"operationId":%q,"amountAuthorized":%d,"documentNr":%q,"state":%q,"authCode":"123456","RRN":"000000123456","STAN":"001234","cardType":"VISA"},"result":{"resultCode":"OK","resultMessage":%q}}`,
		operationID, amount, documentNr, state, resultMessage)

	s.events <- json.RawMessage(receipt)
	s.events <- json.RawMessage(status)
}

func (s *Simulator) handleCloseDoc(w http.ResponseWriter, params map[string]interface{}) {
	s.mu.Lock()
	s.CloseDocCalls++
	s.mu.Unlock()

	documentNr, _ := params["documentNr"].(string)

	switch {
	case s.opts.CloseDocSilent:
		fmt.Fprint(w, `{"result":{"resultCode":"PENDING","resultMessage":"close in progress"}}`)
	case s.opts.CloseDocImmediateOK:
		fmt.Fprint(w, `{"result":{"resultCode":"OK"}}`)
	default:
		s.events <- json.RawMessage(fmt.Sprintf(`{"eventName":"ONTRNSTATUS","properties":{"documentNr":%q,"state":"Approved"},"result":{"resultCode":"OK","resultMessage":"document closed"}}`, documentNr))
		fmt.Fprint(w, `{"result":{"resultCode":"PENDING","resultMessage":"close in progress"}}`)
	}
}

func (s *Simulator) scheduleDayClose() {
	msgBox := s.opts.MsgBoxOnCloseDay
	go func() {
		if msgBox {
			s.events <- json.RawMessage(`{"eventName":"ONMSGBOX","properties":{"text":"Print totals?"}}`)
			// Wait for the SETMSGBOXKEY answer before settling.
			for {
				s.mu.Lock()
				acked := s.msgBoxAcked
				s.mu.Unlock()
				if acked {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
		}
		s.events <- json.RawMessage(`{"eventName":"ONPRINT","properties":{"receiptText":"DAY TOTALS\nSALES 1"}}`)
		s.events <- json.RawMessage(`{"eventName":"ONTRNSTATUS","properties":{"state":"Approved","text":"Day closed"},"result":{"resultCode":"OK","resultMessage":"Day closed"}}`)
	}()
}

func (s *Simulator) getEventHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	seconds, err := strconv.Atoi(r.URL.Query().Get("longPollingTimeout"))
	if err != nil || seconds < 1 {
		seconds = 1
	}
	if seconds > 60 {
		seconds = 60
	}

	w.Header().Set("Content-Type", "application/json")
	select {
	case ev := <-s.events:
		_, _ = w.Write(ev)
	case <-time.After(time.Duration(seconds) * time.Second):
		fmt.Fprint(w, `{"message":"Queue empty."}`)
	case <-r.Context().Done():
	}
}

func (s *Simulator) versionsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"components":[{"name":"EMV Kernel","version":"4.3c"},{"name":"Application","version":"1.19.7"}]}`)
}
