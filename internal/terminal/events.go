package terminal

import (
	"bytes"
	"encoding/json"
)

// Event names emitted by the terminal's queue.
const (
	EventCard              = "ONCARD"
	EventTransactionStatus = "ONTRNSTATUS"
	EventPrint             = "ONPRINT"
	EventKeyboard          = "ONKBD"
	EventMsgBox            = "ONMSGBOX"
)

// Transaction states carried in ONTRNSTATUS properties. Declined is a valid
// terminal state, not an error.
const (
	StateApproved = "Approved"
	StateDeclined = "Declined"
	StateReversed = "Reversed"
)

// Result is the common result block attached to events and to immediate
// command responses.
type Result struct {
	ResultCode    string `json:"resultCode"`
	ResultMessage string `json:"resultMessage"`
	ResultTime    string `json:"resultTime"`
}

// Event is the generic envelope used to classify whatever comes out of the
// queue before deciding on a typed decode.
type Event struct {
	EventName  string                 `json:"eventName"`
	Properties map[string]interface{} `json:"properties"`
	Result     *Result                `json:"result"`
}

// AmountAdditional is one surcharge/discount line item. Amount is signed,
// in minor currency units.
type AmountAdditional struct {
	Type         string `json:"type"`
	CurrencyCode string `json:"currencyCode"`
	Amount       int64  `json:"amount"`
}

// TransactionProperties is the typed property block of an ONTRNSTATUS event.
type TransactionProperties struct {
	OperationID        string             `json:"operationId"`
	AmountAuthorized   int64              `json:"amountAuthorized"`
	DocumentNr         string             `json:"documentNr"`
	Cryptogram         string             `json:"cryptogram"`
	AuthCode           string             `json:"authCode"`
	RRN                string             `json:"RRN"`
	STAN               string             `json:"STAN"`
	CardType           string             `json:"cardType"`
	AmountAdditional   []AmountAdditional `json:"amountAdditional"`
	Text               string             `json:"text"`
	State              string             `json:"state"`
	AuthorizationState string             `json:"authorizationState"`
	CardName           string             `json:"cardName"`
	APN                string             `json:"APN"`
	AID                string             `json:"AID"`
	CVMApplied         []string           `json:"CVMApplied"`
	AuthCenterName     string             `json:"authCenterName"`
	TranSourceMedia    string             `json:"tranSourceMedia"`
	PAN                string             `json:"PAN"`
	DCCResult          string             `json:"DCCResult"`
	EcrData            string             `json:"EcrData"`
}

// TransactionResult is the authoritative outcome of an AUTHORIZE, CREDIT or
// VOID, parsed from the correlated ONTRNSTATUS event. Print carries the
// receipt from any ONPRINT observed during the same wait.
type TransactionResult struct {
	EventName  string                `json:"eventName"`
	Properties TransactionProperties `json:"properties"`
	Result     Result                `json:"result"`
	Print      *PrintResult          `json:"-"`
}

// Approved reports whether the terminal approved the transaction.
func (t *TransactionResult) Approved() bool {
	return t.Properties.State == StateApproved
}

// PrintProperties is the typed property block of an ONPRINT event.
type PrintProperties struct {
	ReceiptText string `json:"receiptText"`
	DocumentNr  string `json:"documentNr"`
}

// PrintResult is a receipt captured from an ONPRINT event.
type PrintResult struct {
	EventName  string          `json:"eventName"`
	Properties PrintProperties `json:"properties"`
	Result     *Result         `json:"result"`
}

// queueEmptyMarker is the literal the terminal answers with when the
// long-poll window elapses without an event.
var queueEmptyMarker = []byte("Queue empty.")

func isQueueEmpty(raw []byte) bool {
	return bytes.Contains(raw, queueEmptyMarker)
}

func parseEnvelope(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// isKeyboardConfirm detects the ONKBD kbdKey=FR "OK" variant, which the
// protocol treats as equivalent to a card presentation.
func isKeyboardConfirm(ev *Event, raw []byte) bool {
	if ev.EventName != EventKeyboard {
		return false
	}
	key, _ := ev.Properties["kbdKey"].(string)
	return key == "FR" && bytes.Contains(raw, []byte(`"OK"`))
}
