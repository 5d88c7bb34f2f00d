package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eencloud/goeen/log"
)

// GetEvent long-polls the terminal's event queue for up to seconds. The
// terminal only honors windows between 1 and 60 seconds, so the value is
// clamped before it goes on the wire.
func (c *Client) GetEvent(ctx context.Context, seconds int) (json.RawMessage, error) {
	if seconds < 1 {
		seconds = 1
	}
	if seconds > 60 {
		seconds = 60
	}
	raw, err := c.getRaw(ctx, fmt.Sprintf("/getEvent?longPollingTimeout=%d", seconds))
	if err != nil {
		return nil, &PollError{Err: err}
	}
	return raw, nil
}

const (
	defaultPollSeconds  = 5
	dayClosePollSeconds = 15
)

// Poller correlates asynchronous terminal events with in-flight commands.
// Correlation is by event name alone; the protocol carries no request
// identifiers, which is why flows must be serialized. Events that do not
// match the awaited name are logged and dropped, with two exceptions:
// ONPRINT is captured as a side channel, and during day close ONMSGBOX is
// acknowledged inline so the terminal does not stall.
type Poller struct {
	client *Client
	logger *log.Logger

	// Tests shrink this.
	dayCloseDeadline time.Duration
}

// NewPoller creates a poller over an open client session.
func NewPoller(client *Client, logger *log.Logger) *Poller {
	return &Poller{
		client:           client,
		logger:           logger,
		dayCloseDeadline: 130 * time.Second,
	}
}

// CardEvent is the outcome of waiting for a card presentation.
type CardEvent struct {
	// Confirmed is true when the wait ended with a keyboard confirmation
	// instead of a card read.
	Confirmed  bool
	Properties map[string]interface{}
	Print      *PrintResult
}

// WaitForCard blocks until the cardholder presents a card or confirms on
// the keypad. Receipts printed while waiting are captured and returned.
func (p *Poller) WaitForCard(ctx context.Context) (*CardEvent, error) {
	var print *PrintResult
	for {
		ev, raw, err := p.nextEvent(ctx)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}

		switch {
		case ev.EventName == EventCard:
			return &CardEvent{Properties: ev.Properties, Print: print}, nil
		case isKeyboardConfirm(ev, raw):
			return &CardEvent{Confirmed: true, Properties: ev.Properties, Print: print}, nil
		case ev.EventName == EventPrint:
			print = decodePrint(raw, p.logger)
		default:
			p.logger.Debugf("ignoring %s while waiting for card", ev.EventName)
		}
	}
}

// WaitForTransactionStatus blocks until the terminal reports the outcome of
// the in-flight AUTHORIZE, CREDIT or VOID. A matched event that fails to
// decode means the terminal speaks a different dialect than expected, which
// is fatal rather than skippable.
func (p *Poller) WaitForTransactionStatus(ctx context.Context) (*TransactionResult, error) {
	var print *PrintResult
	for {
		ev, raw, err := p.nextEvent(ctx)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}

		switch ev.EventName {
		case EventTransactionStatus:
			var result TransactionResult
			if err := json.Unmarshal(raw, &result); err != nil {
				return nil, &ParseError{EventName: EventTransactionStatus, Err: err}
			}
			result.Print = print
			return &result, nil
		case EventPrint:
			print = decodePrint(raw, p.logger)
		default:
			p.logger.Debugf("ignoring %s while waiting for transaction status", ev.EventName)
		}
	}
}

// WaitForVoidStatus blocks until the reversal outcome arrives. Reversals
// print nothing, so no receipt side channel is kept.
func (p *Poller) WaitForVoidStatus(ctx context.Context) (*TransactionResult, error) {
	for {
		ev, raw, err := p.nextEvent(ctx)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}

		if ev.EventName != EventTransactionStatus {
			p.logger.Debugf("ignoring %s while waiting for void status", ev.EventName)
			continue
		}

		var result TransactionResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, &ParseError{EventName: EventTransactionStatus, Err: err}
		}
		return &result, nil
	}
}

// DayCloseReceipt is the settlement report collected during day close.
// Status is only set when the terminal happened to report one before the
// totals printed; the receipt is the authoritative deliverable.
type DayCloseReceipt struct {
	Print  *PrintResult
	Status *TransactionResult
}

// WaitForDayCloseReceipt collects the settlement output of a CLOSEDAY. The
// wait ends when the totals receipt prints. The terminal may raise a
// confirmation box mid-settlement; it is answered with Ok inline so the
// settlement does not stall unattended. A settlement that prints nothing
// within the deadline is a terminal fault.
func (p *Poller) WaitForDayCloseReceipt(ctx context.Context) (*DayCloseReceipt, error) {
	receipt := &DayCloseReceipt{}
	started := time.Now()
	deadline := started.Add(p.dayCloseDeadline)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := p.client.GetEvent(ctx, dayClosePollSeconds)
		if err != nil {
			return nil, err
		}
		if isQueueEmpty(raw) {
			continue
		}

		ev, err := parseEnvelope(raw)
		if err != nil {
			p.logger.Warningf("discarding undecodable event during day close: %v", err)
			continue
		}

		switch ev.EventName {
		case EventPrint:
			receipt.Print = decodePrint(raw, p.logger)
			return receipt, nil
		case EventMsgBox:
			p.logger.Infof("answering terminal message box during day close")
			if err := p.client.SetMsgBoxKey(ctx, "Ok"); err != nil {
				return nil, err
			}
		case EventTransactionStatus:
			var result TransactionResult
			if err := json.Unmarshal(raw, &result); err != nil {
				return nil, &ParseError{EventName: EventTransactionStatus, Err: err}
			}
			receipt.Status = &result
		default:
			p.logger.Debugf("ignoring %s during day close", ev.EventName)
		}
	}

	return nil, &PollTimeoutError{Target: "day close receipt", Waited: time.Since(started)}
}

// nextEvent polls once and classifies the response. It returns (nil, nil,
// nil) on an empty queue so callers can keep waiting. An envelope that does
// not decode at all is fatal only when it mentions an event name, since
// that indicates protocol drift rather than queue noise.
func (p *Poller) nextEvent(ctx context.Context) (*Event, json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	raw, err := p.client.GetEvent(ctx, defaultPollSeconds)
	if err != nil {
		return nil, nil, err
	}
	if isQueueEmpty(raw) {
		return nil, nil, nil
	}

	ev, err := parseEnvelope(raw)
	if err != nil {
		if bytes.Contains(raw, []byte("eventName")) {
			return nil, nil, &ParseError{EventName: "unknown", Err: err}
		}
		p.logger.Warningf("discarding non-event payload from queue: %v", err)
		return nil, nil, nil
	}
	return ev, raw, nil
}

func decodePrint(raw json.RawMessage, logger *log.Logger) *PrintResult {
	var print PrintResult
	if err := json.Unmarshal(raw, &print); err != nil {
		logger.Warningf("receipt event did not decode, dropping it: %v", err)
		return nil
	}
	return &print
}
