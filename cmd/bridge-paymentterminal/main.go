package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	goeen_log "github.com/eencloud/goeen/log"
	"github.com/shopspring/decimal"

	"bridge-paymentterminal/internal/core"
	"bridge-paymentterminal/internal/journal"
	"bridge-paymentterminal/internal/service"
	"bridge-paymentterminal/internal/settings"
	"bridge-paymentterminal/internal/terminal"
)

func main() {
	configPath := flag.String("config", "", "path to terminal profile JSON (default: $POS_TERMINAL_CONFIG)")
	flow := flag.String("flow", "", "flow to run: purchase, refund, void, closeday, versions, unreconciled")
	amountStr := flag.String("amount", "", "amount in major units, e.g. 9.99")
	documentNr := flag.String("doc", "", "document number (generated when empty)")
	panL4 := flag.String("pan4", "", "last four digits of the card number")
	rrn := flag.String("rrn", "", "retrieval reference number of the original transaction (refund)")
	operationID := flag.String("operation", "", "operation identifier to reverse (void)")
	flag.Parse()

	logger := goeen_log.NewContext(os.Stdout, "", goeen_log.LevelInfo).GetLogger("bridge-paymentterminal", goeen_log.LevelInfo)
	logger.Info("Starting Bridge Payment Terminal application...")

	if *configPath == "" {
		*configPath = os.Getenv("POS_TERMINAL_CONFIG")
	}
	if *configPath == "" || *flow == "" {
		logger.Fatalf("Both -config (or POS_TERMINAL_CONFIG) and -flow are required")
	}

	dataDir := core.GetDataDirectory()

	stdLogger := log.New(log.Writer(), "", log.LstdFlags)
	auditLogger := core.NewAuditLogger(filepath.Join(dataDir, "audit_logs"), 100, stdLogger)

	store, err := journal.NewStore(filepath.Join(dataDir, "journal_db"), logger)
	if err != nil {
		logger.Fatalf("Failed to open transaction journal: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("Failed to close transaction journal: %v", err)
		}
	}()

	settingsManager := settings.NewManager(logger)
	if err := settingsManager.LoadFile(*configPath); err != nil {
		logger.Fatalf("Failed to load terminal profile: %v", err)
	}

	manager := service.NewTerminalManager(logger, auditLogger, store)
	if err := manager.HandleConfigChange(settingsManager.Active()); err != nil {
		logger.Fatalf("Failed to build terminal stack: %v", err)
	}
	defer func() {
		if err := manager.Stop(); err != nil {
			logger.Errorf("Terminal stack stop failed: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopCh
		logger.Info("Interrupt received, canceling flow...")
		cancel()
	}()

	if err := runFlow(ctx, logger, manager, flowArgs{
		flow:        *flow,
		amount:      *amountStr,
		documentNr:  *documentNr,
		panL4:       *panL4,
		rrn:         *rrn,
		operationID: *operationID,
	}); err != nil {
		logger.Fatalf("Flow %s failed: %v", *flow, err)
	}

	logger.Info("Bridge Payment Terminal application finished")
}

type flowArgs struct {
	flow        string
	amount      string
	documentNr  string
	panL4       string
	rrn         string
	operationID string
}

func runFlow(ctx context.Context, logger *goeen_log.Logger, manager *service.TerminalManager, args flowArgs) error {
	orch := manager.Orchestrator()

	switch args.flow {
	case "purchase":
		amount, err := decimal.NewFromString(args.amount)
		if err != nil {
			return err
		}
		result, err := orch.Purchase(ctx, terminal.PurchaseRequest{
			Amount:     amount,
			DocumentNr: args.documentNr,
			PanL4:      args.panL4,
		})
		if result != nil {
			logger.Infof("Purchase state: %s, operation %s, auth code %s",
				result.Properties.State, result.Properties.OperationID, result.Properties.AuthCode)
			printReceipt(logger, result)
		}
		return err

	case "refund":
		amount, err := decimal.NewFromString(args.amount)
		if err != nil {
			return err
		}
		result, err := orch.Refund(ctx, terminal.RefundRequest{
			Amount:     amount,
			DocumentNr: args.documentNr,
			PanL4:      args.panL4,
			RRN:        args.rrn,
		})
		if result != nil {
			logger.Infof("Refund state: %s, operation %s", result.Properties.State, result.Properties.OperationID)
			printReceipt(logger, result)
		}
		return err

	case "void":
		result, err := orch.ManualVoid(ctx, args.operationID)
		if result != nil {
			logger.Infof("Void state: %s", result.Properties.State)
		}
		return err

	case "closeday":
		receipt, err := orch.CloseDay(ctx)
		if err != nil {
			return err
		}
		if receipt.Print != nil {
			logger.Infof("Settlement receipt:\n%s", receipt.Print.Properties.ReceiptText)
		}
		return nil

	case "versions":
		versions, err := orch.SoftwareVersions(ctx)
		if err != nil {
			return err
		}
		logger.Infof("Terminal software: %s", string(versions))
		return nil

	case "unreconciled":
		records, err := orch.Unreconciled(100)
		if err != nil {
			return err
		}
		for _, rec := range records {
			line, _ := json.Marshal(rec)
			logger.Infof("UNRECONCILED %s", line)
		}
		logger.Infof("%d unreconciled operations", len(records))
		return nil

	default:
		logger.Fatalf("Unknown flow %q", args.flow)
		return nil
	}
}

func printReceipt(logger *goeen_log.Logger, result *terminal.TransactionResult) {
	if result.Print != nil {
		logger.Infof("Receipt:\n%s", result.Print.Properties.ReceiptText)
	}
}
