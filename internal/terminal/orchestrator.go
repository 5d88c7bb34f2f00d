package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/eencloud/goeen/log"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bridge-paymentterminal/internal/journal"
)

const cleanupTimeout = 15 * time.Second

// Orchestrator drives complete payment flows over one terminal. The
// terminal processes a single operation at a time and events carry no
// correlation identifiers, so flows are strictly serialized through a
// mutex. Every flow that opens a session also locks the device and closes
// the session before returning, whether it succeeded or not.
type Orchestrator struct {
	client  *Client
	poller  *Poller
	logger  *log.Logger
	journal *journal.Store

	flowMu sync.Mutex
}

// NewOrchestrator wires a client and poller into a flow driver. The journal
// is optional; pass nil to skip reconciliation records.
func NewOrchestrator(client *Client, poller *Poller, logger *log.Logger, store *journal.Store) *Orchestrator {
	return &Orchestrator{
		client:  client,
		poller:  poller,
		logger:  logger,
		journal: store,
	}
}

// PurchaseRequest describes an attended sale. Amounts are in major units.
type PurchaseRequest struct {
	Amount     decimal.Decimal
	CashBack   decimal.Decimal
	DocumentNr string
	PanL4      string
}

// RefundRequest describes a refund against an earlier purchase.
type RefundRequest struct {
	Amount     decimal.Decimal
	DocumentNr string
	PanL4      string
	RRN        string
	Original   *OriginalData
}

// Purchase runs a full sale: open a session, unlock for AUTHORIZE, wait for
// the card, authorize, wait for the outcome, then close the document. A
// declined authorization is a successful flow with a declined result; the
// document is closed either way. The caller inspects the returned result's
// state.
func (o *Orchestrator) Purchase(ctx context.Context, req PurchaseRequest) (result *TransactionResult, err error) {
	o.flowMu.Lock()
	defer o.flowMu.Unlock()

	amount, err := MinorUnits(req.Amount)
	if err != nil {
		return nil, err
	}
	cashBack, err := MinorUnits(req.CashBack)
	if err != nil {
		return nil, err
	}
	documentNr := o.documentNr(req.DocumentNr)

	if err := o.client.OpenPos(ctx); err != nil {
		return nil, err
	}
	defer o.cleanup(&err)

	if err = o.client.UnlockDevice(ctx, OperationAuthorize, amount, cashBack); err != nil {
		return nil, err
	}

	card, err := o.poller.WaitForCard(ctx)
	if err != nil {
		return nil, err
	}
	o.logger.Infof("card presented for document %s (keyboard confirm: %v)", documentNr, card.Confirmed)

	if _, err = o.client.Authorize(ctx, amount, cashBack, documentNr, req.PanL4); err != nil {
		return nil, err
	}

	result, err = o.poller.WaitForTransactionStatus(ctx)
	if err != nil {
		return nil, err
	}
	o.logger.Infof("authorization for document %s finished in state %s", documentNr, result.Properties.State)

	err = o.finalizeDocument(ctx, result, documentNr, "purchase")
	return result, err
}

// Refund runs a full refund flow. The terminal is unlocked with CREDIT
// intent so the cardholder presents the card the money returns to.
func (o *Orchestrator) Refund(ctx context.Context, req RefundRequest) (result *TransactionResult, err error) {
	o.flowMu.Lock()
	defer o.flowMu.Unlock()

	amount, err := MinorUnits(req.Amount)
	if err != nil {
		return nil, err
	}
	documentNr := o.documentNr(req.DocumentNr)

	if err := o.client.OpenPos(ctx); err != nil {
		return nil, err
	}
	defer o.cleanup(&err)

	if err = o.client.UnlockDevice(ctx, OperationCredit, amount, 0); err != nil {
		return nil, err
	}

	card, err := o.poller.WaitForCard(ctx)
	if err != nil {
		return nil, err
	}
	o.logger.Infof("card presented for refund document %s (keyboard confirm: %v)", documentNr, card.Confirmed)

	if _, err = o.client.Credit(ctx, amount, documentNr, req.PanL4, req.RRN, req.Original); err != nil {
		return nil, err
	}

	result, err = o.poller.WaitForTransactionStatus(ctx)
	if err != nil {
		return nil, err
	}
	o.logger.Infof("refund for document %s finished in state %s", documentNr, result.Properties.State)

	err = o.finalizeDocument(ctx, result, documentNr, "refund")
	return result, err
}

// ManualVoid reverses a prior operation by its identifier. The device is
// unlocked with no payment intent so the screen stays neutral, and no
// document close follows since the original document absorbs the reversal.
func (o *Orchestrator) ManualVoid(ctx context.Context, operationID string) (result *TransactionResult, err error) {
	o.flowMu.Lock()
	defer o.flowMu.Unlock()

	if err := o.client.OpenPos(ctx); err != nil {
		return nil, err
	}
	defer o.cleanup(&err)

	if err = o.client.UnlockDevice(ctx, OperationNoOperation, 0, 0); err != nil {
		return nil, err
	}

	if _, err = o.client.Void(ctx, operationID); err != nil {
		return nil, err
	}

	result, err = o.poller.WaitForVoidStatus(ctx)
	if err != nil {
		return nil, err
	}
	o.logger.Infof("void of operation %s finished in state %s", operationID, result.Properties.State)

	o.record(result, "", "void", true, nil)
	return result, nil
}

// CloseDay settles the terminal's batch and returns the reconciliation
// receipt.
func (o *Orchestrator) CloseDay(ctx context.Context) (receipt *DayCloseReceipt, err error) {
	o.flowMu.Lock()
	defer o.flowMu.Unlock()

	if err := o.client.OpenPos(ctx); err != nil {
		return nil, err
	}
	defer o.cleanup(&err)

	if err = o.client.CloseDay(ctx); err != nil {
		return nil, err
	}

	receipt, err = o.poller.WaitForDayCloseReceipt(ctx)
	if err != nil {
		return nil, err
	}
	o.logger.Infof("day close settled")
	return receipt, nil
}

// SoftwareVersions reports the terminal's component versions. It needs a
// session but no device unlock.
func (o *Orchestrator) SoftwareVersions(ctx context.Context) (versions json.RawMessage, err error) {
	o.flowMu.Lock()
	defer o.flowMu.Unlock()

	if err := o.client.OpenPos(ctx); err != nil {
		return nil, err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if closeErr := o.client.ClosePos(cleanupCtx); closeErr != nil {
			o.logger.Warningf("session close after version query failed: %v", closeErr)
		}
	}()

	return o.client.SoftwareVersions(ctx)
}

// Unreconciled lists journaled operations whose document never closed.
func (o *Orchestrator) Unreconciled(limit int) ([]journal.Record, error) {
	if o.journal == nil {
		return nil, nil
	}
	return o.journal.Unreconciled(limit)
}

// finalizeDocument closes the document holding the flow's operation and
// journals the outcome. A close failure is reported to the caller while the
// transaction result stays available for receipt handling.
func (o *Orchestrator) finalizeDocument(ctx context.Context, result *TransactionResult, documentNr, intent string) error {
	closeErr := o.client.CloseDoc(ctx, []string{result.Properties.OperationID}, documentNr)
	if closeErr != nil {
		o.logger.Errorf("document %s did not close, operations need manual reconciliation: %v", documentNr, closeErr)
	}

	o.record(result, documentNr, intent, closeErr == nil, closeErr)
	return closeErr
}

func (o *Orchestrator) record(result *TransactionResult, documentNr, intent string, docClosed bool, flowErr error) {
	if o.journal == nil {
		return
	}

	rec := journal.Record{
		OperationID:      result.Properties.OperationID,
		DocumentNr:       documentNr,
		Intent:           intent,
		State:            result.Properties.State,
		STAN:             result.Properties.STAN,
		RRN:              result.Properties.RRN,
		AmountAuthorized: result.Properties.AmountAuthorized,
		CurrencyCode:     o.client.Profile().CurrencyCode,
		DocClosed:        docClosed,
		CompletedAt:      time.Now(),
	}
	if documentNr == "" {
		rec.DocumentNr = result.Properties.DocumentNr
	}
	if flowErr != nil {
		rec.FlowError = flowErr.Error()
	}

	if err := o.journal.Append(rec); err != nil {
		o.logger.Errorf("failed to journal operation %s: %v", rec.OperationID, err)
	}
}

// cleanup locks the device and closes the session exactly once per flow. It
// runs on its own timeout so a canceled flow context cannot leave the
// terminal unlocked. Cleanup failures are logged, never returned; the
// flow's own error is what the caller needs to see.
func (o *Orchestrator) cleanup(flowErr *error) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := o.client.LockDevice(cleanupCtx); err != nil {
		o.logger.Warningf("device lock during cleanup failed: %v", err)
	}
	if err := o.client.ClosePos(cleanupCtx); err != nil {
		o.logger.Warningf("session close during cleanup failed: %v", err)
	}

	if *flowErr != nil {
		o.logger.Infof("flow finished with error after cleanup: %v", *flowErr)
	}
}

// documentNr returns the caller's document number or generates one. The
// terminal requires a non-empty document reference on every financial
// operation.
func (o *Orchestrator) documentNr(requested string) string {
	if requested != "" {
		return requested
	}
	generated := fmt.Sprintf("%d%s", time.Now().Unix(), uuid.NewString()[:8])
	o.logger.Debugf("generated document number %s", generated)
	return generated
}
