package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// POS operations accepted by UNLOCKDEVICE.
const (
	OperationAuthorize   = "AUTHORIZE"
	OperationCredit      = "CREDIT"
	OperationNoOperation = "NOOPERATION"
)

type commandHeader struct {
	Command string `json:"command"`
}

type commandRequest struct {
	Header commandHeader `json:"header"`
	Params interface{}   `json:"params"`
}

func (c *Client) executeCommand(ctx context.Context, command string, params interface{}) (json.RawMessage, error) {
	req := commandRequest{
		Header: commandHeader{Command: command},
		Params: params,
	}
	raw, err := c.postJSON(ctx, "/executeposcmd", req, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	return raw, nil
}

type unlockDeviceParams struct {
	PosOperation   string `json:"posOperation"`
	Amount         int64  `json:"amount"`
	CashBackAmount int64  `json:"cashBackAmount"`
	CurrencyCode   string `json:"currencyCode"`
	IdleText       string `json:"idleText"`
	Language       string `json:"language"`
	EcrVersion     string `json:"ecrVersion"`
	OperatorID     string `json:"operatorId"`
	OperatorName   string `json:"operatorName"`
	SilentCardRead bool   `json:"silentCardRead"`
}

// UnlockDevice arms the terminal for the given operation and amount so the
// cardholder can present a card. posOperation selects the intent; amounts
// are in minor units.
func (c *Client) UnlockDevice(ctx context.Context, posOperation string, amount, cashBack int64) error {
	params := unlockDeviceParams{
		PosOperation:   posOperation,
		Amount:         amount,
		CashBackAmount: cashBack,
		CurrencyCode:   c.profile.CurrencyCode,
		IdleText:       c.profile.IdleText,
		Language:       c.profile.Language,
		EcrVersion:     c.profile.ECRVersion,
		OperatorID:     c.profile.OperatorID,
		OperatorName:   c.profile.OperatorName,
		SilentCardRead: false,
	}
	_, err := c.executeCommand(ctx, "UNLOCKDEVICE", params)
	return err
}

type lockDeviceParams struct {
	IdleText string `json:"idleText"`
}

// LockDevice returns the terminal to its idle locked state.
func (c *Client) LockDevice(ctx context.Context) error {
	_, err := c.executeCommand(ctx, "LOCKDEVICE", lockDeviceParams{IdleText: c.profile.LockIdleText})
	return err
}

type authorizeParams struct {
	Amount         int64  `json:"amount"`
	CashBackAmount int64  `json:"cashBackAmount"`
	CurrencyCode   string `json:"currencyCode"`
	DocumentNr     string `json:"documentNr"`
	PanL4Digit     string `json:"panL4Digit"`
}

// Authorize submits a purchase authorization. The immediate response body is
// informational only; the authoritative outcome arrives as an ONTRNSTATUS
// event.
func (c *Client) Authorize(ctx context.Context, amount, cashBack int64, documentNr, panL4 string) (json.RawMessage, error) {
	params := authorizeParams{
		Amount:         amount,
		CashBackAmount: cashBack,
		CurrencyCode:   c.profile.CurrencyCode,
		DocumentNr:     documentNr,
		PanL4Digit:     panL4,
	}
	return c.executeCommand(ctx, "AUTHORIZE", params)
}

// OriginalData identifies the original transaction a refund reverses. Only
// sent when the acquirer profile requires it.
type OriginalData struct {
	Time string `json:"time"`
	STAN string `json:"STAN"`
}

type creditParams struct {
	Amount       int64  `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
	DocumentNr   string `json:"documentNr"`
	PanL4Digit   string `json:"panL4Digit"`
	RRN          string `json:"RRN"`
	Time         string `json:"time,omitempty"`
	STAN         string `json:"STAN,omitempty"`
}

// Credit submits a refund against an earlier authorization, referenced by
// its retrieval reference number.
func (c *Client) Credit(ctx context.Context, amount int64, documentNr, panL4, rrn string, original *OriginalData) (json.RawMessage, error) {
	params := creditParams{
		Amount:       amount,
		CurrencyCode: c.profile.CurrencyCode,
		DocumentNr:   documentNr,
		PanL4Digit:   panL4,
		RRN:          rrn,
	}
	if c.profile.RequireOriginalData && original != nil {
		params.Time = original.Time
		params.STAN = original.STAN
	}
	return c.executeCommand(ctx, "CREDIT", params)
}

type voidParams struct {
	OperationID string `json:"operationId"`
}

// Void reverses a previously authorized operation in place.
func (c *Client) Void(ctx context.Context, operationID string) (json.RawMessage, error) {
	return c.executeCommand(ctx, "VOID", voidParams{OperationID: operationID})
}

type setMsgBoxKeyParams struct {
	KeyValue string `json:"keyValue"`
}

// SetMsgBoxKey answers a message box the terminal is displaying. keyValue
// is one of Ok, Yes, No or Cancel.
func (c *Client) SetMsgBoxKey(ctx context.Context, keyValue string) error {
	_, err := c.executeCommand(ctx, "SETMSGBOXKEY", setMsgBoxKeyParams{KeyValue: keyValue})
	return err
}

type closeDayParams struct {
	OperatorID   string `json:"operatorId"`
	OperatorName string `json:"operatorName"`
}

type commandResponse struct {
	Result *Result `json:"result"`
}

// CloseDay starts the terminal's batch settlement. The immediate response
// must acknowledge the command; the reconciliation receipt arrives later as
// events and is collected by the Poller.
func (c *Client) CloseDay(ctx context.Context) error {
	params := closeDayParams{
		OperatorID:   c.profile.OperatorID,
		OperatorName: c.profile.OperatorName,
	}
	raw, err := c.executeCommand(ctx, "CLOSEDAY", params)
	if err != nil {
		return err
	}

	var resp commandResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.Result != nil && resp.Result.ResultCode != "OK" {
		return fmt.Errorf("CLOSEDAY rejected: %s %s", resp.Result.ResultCode, resp.Result.ResultMessage)
	}
	return nil
}

type closeDocParams struct {
	Operations []string `json:"operations"`
	DocumentNr string   `json:"documentNr"`
}

// CloseDoc finalizes a document so its operations enter the settlement
// batch. The terminal may acknowledge either in the immediate response or
// through a later ONTRNSTATUS event, so each attempt checks both before
// retrying. Exhausting all attempts returns DocCloseError; the operations
// then need manual reconciliation.
func (c *Client) CloseDoc(ctx context.Context, operationIDs []string, documentNr string) error {
	params := closeDocParams{
		Operations: operationIDs,
		DocumentNr: documentNr,
	}

	var lastErr error
	for attempt := 1; attempt <= c.closeDocAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &DocCloseError{DocumentNr: documentNr, Attempts: attempt - 1, LastErr: err}
		}

		raw, err := c.executeCommand(ctx, "CLOSEDOC", params)
		if err != nil {
			lastErr = err
			c.logger.Warningf("closedoc attempt %d/%d for document %s failed: %v",
				attempt, c.closeDocAttempts, documentNr, err)
			time.Sleep(c.closeDocRetryPause)
			continue
		}

		if closeDocAcknowledged(raw) {
			c.logger.Infof("document %s closed on attempt %d", documentNr, attempt)
			return nil
		}

		ok, err := c.awaitCloseDocEvent(ctx)
		if ok {
			c.logger.Infof("document %s closed on attempt %d via event", documentNr, attempt)
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("no close confirmation for document %s", documentNr)
		}
		time.Sleep(c.closeDocRetryPause)
	}

	return &DocCloseError{DocumentNr: documentNr, Attempts: c.closeDocAttempts, LastErr: lastErr}
}

func closeDocAcknowledged(raw json.RawMessage) bool {
	var resp commandResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false
	}
	return resp.Result != nil && resp.Result.ResultCode == "OK"
}

// awaitCloseDocEvent drains the event queue for a short window looking for
// an ONTRNSTATUS acknowledgment of the close.
func (c *Client) awaitCloseDocEvent(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(c.closeDocEventWindow)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		raw, err := c.GetEvent(ctx, c.closeDocPollSeconds)
		if err != nil {
			return false, err
		}
		if isQueueEmpty(raw) {
			continue
		}

		ev, err := parseEnvelope(raw)
		if err != nil {
			c.logger.Debugf("discarding undecodable event during closedoc: %v", err)
			continue
		}
		if ev.EventName == EventTransactionStatus && ev.Result != nil && ev.Result.ResultCode == "OK" {
			return true, nil
		}
	}
	return false, nil
}
