package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goeen_log "github.com/eencloud/goeen/log"

	"bridge-paymentterminal/internal/simulator"
)

func main() {
	addr := flag.String("addr", ":6678", "listen address")
	cardDelay := flag.Duration("card-delay", 2*time.Second, "delay before the simulated card presentation")
	keyboardConfirm := flag.Bool("keyboard-confirm", false, "resolve card waits with a keypad confirmation")
	immediateClose := flag.Bool("immediate-close", false, "acknowledge CLOSEDOC in the immediate response")
	silentClose := flag.Bool("silent-close", false, "never acknowledge CLOSEDOC")
	msgBox := flag.Bool("msgbox", false, "raise a message box during day close")
	flag.Parse()

	logger := goeen_log.NewContext(os.Stdout, "", goeen_log.LevelInfo).GetLogger("terminal-simulator", goeen_log.LevelInfo)
	logger.Infof("Starting terminal simulator on %s", *addr)

	sim := simulator.New(logger, simulator.Options{
		CardReadDelay:       *cardDelay,
		KeyboardConfirm:     *keyboardConfirm,
		CloseDocImmediateOK: *immediateClose,
		CloseDocSilent:      *silentClose,
		MsgBoxOnCloseDay:    *msgBox,
	})

	server := &http.Server{
		Addr:           *addr,
		Handler:        sim.Handler(),
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   90 * time.Second, // long-poll responses hold the connection open
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Simulator server failed: %v", err)
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Simulator shutdown failed: %v", err)
	}
	cancel()
	logger.Info("Terminal simulator stopped")
}
