package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/chatcap/internal/browser"
	"github.com/MikeSquared-Agency/chatcap/internal/hybrid"
	"github.com/MikeSquared-Agency/chatcap/internal/session"
)

func newWatchCmd(a *app) *cobra.Command {
	var url, debugger string
	var tabID int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Capture a live Chrome tab (deep scan, then live) until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if debugger == "" {
				debugger = a.cfg.DebuggerURL
			}
			return a.watch(cmd, url, debugger, tabID)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "URL of the chat page to watch")
	cmd.Flags().StringVar(&debugger, "debugger", "", "Chrome DevTools URL (default: CHROME_DEBUGGER_URL, or launch headless)")
	cmd.Flags().IntVar(&tabID, "tab", 1, "Tab id recorded on the session")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

func (a *app) watch(cmd *cobra.Command, url, debugger string, tabID int) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	ext, err := a.newExtractor()
	if err != nil {
		return err
	}

	src, err := browser.Connect(ctx, debugger, a.logger)
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := src.Attach(ctx, tabID, url); err != nil {
		return err
	}
	page, err := src.Snapshot(ctx, tabID)
	if err != nil {
		return err
	}

	mgr := session.NewManager(st, ext, session.Options{
		BufferMax:    a.cfg.BufferMax,
		IdleTimeout:  a.cfg.IdleTimeout,
		FlushTimeout: a.cfg.FlushTimeout,
	}, a.logger)
	mgr.SetListener(src.Listen)
	coord := hybrid.New(ext, mgr, st, a.cfg.HybridGrace, a.logger)
	defer coord.Close()

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		mgr.Run(runCtx)
		close(runDone)
	}()

	hs, err := coord.StartHybrid(ctx, tabID, page)
	if err != nil {
		cancelRun()
		<-runDone
		return err
	}
	a.logger.Info("watching tab", "tab_id", tabID, "session_id", hs.SessionID, "initial_messages", hs.InitialMessageCount)

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	merged, err := coord.StopHybrid(stopCtx, tabID)
	cancelRun()
	<-runDone
	mgr.Shutdown(stopCtx)
	if err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), merged)
}
