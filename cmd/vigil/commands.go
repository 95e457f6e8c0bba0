// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/VigilKeeper/pkg/ux"
)

// --- Global Command Variables ---
var (
	globals appOptions

	askAttach       []string
	confirmWait     bool
	confirmInterval time.Duration
	confirmTimeout  time.Duration
	downloadOutput  string
	assumeYes       bool
	devserverAddr   string
	devserverDelay  time.Duration

	rootCmd = &cobra.Command{
		Use:   "vigil",
		Short: "Chat with the VigilKeeper contract assistant from the terminal",
		Long: `vigil streams answers from the VigilKeeper contract workflow, keeps
your conversation history locally and manages uploaded contract files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// --- Session ---
	loginCmd = &cobra.Command{
		Use:   "login [mobile]",
		Short: "Log in with a mobile number (prompts when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLogin, // Defined in cmd_auth.go
	}
	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Forget the current session",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
	whoamiCmd = &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in user",
		Args:  cobra.NoArgs,
		RunE:  runWhoami,
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Args:  cobra.NoArgs,
		RunE:  runChat, // Defined in cmd_chat.go
	}
	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}

	// --- History ---
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Manage saved conversations",
	}
	historyListCmd = &cobra.Command{
		Use:   "list",
		Short: "List saved conversations, newest first",
		Args:  cobra.NoArgs,
		RunE:  runHistoryList, // Defined in cmd_history.go
	}
	historyShowCmd = &cobra.Command{
		Use:   "show [number|id]",
		Short: "Print a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow,
	}
	historyDeleteCmd = &cobra.Command{
		Use:   "delete [number|id]",
		Short: "Delete a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryDelete,
	}
	filesCmd = &cobra.Command{
		Use:   "files",
		Short: "Manage previously uploaded files",
	}
	filesListCmd = &cobra.Command{
		Use:   "list",
		Short: "List uploaded files",
		Args:  cobra.NoArgs,
		RunE:  runFilesList,
	}
	filesDeleteCmd = &cobra.Command{
		Use:   "delete [number|id]",
		Short: "Forget an uploaded file",
		Args:  cobra.ExactArgs(1),
		RunE:  runFilesDelete,
	}

	// --- Contracts ---
	contractCmd = &cobra.Command{
		Use:   "contract",
		Short: "Confirm analysed contracts",
	}
	contractConfirmCmd = &cobra.Command{
		Use:   "confirm [file-id]",
		Short: "Confirm the analysis of an uploaded contract",
		Args:  cobra.ExactArgs(1),
		RunE:  runContractConfirm, // Defined in cmd_contract.go
	}
	contractStatusCmd = &cobra.Command{
		Use:   "status [file-id]",
		Short: "Show the confirmation status of a contract",
		Args:  cobra.ExactArgs(1),
		RunE:  runContractStatus,
	}
	downloadCmd = &cobra.Command{
		Use:   "download [file-url]",
		Short: "Download a server file such as /files/<id>/report.pdf",
		Args:  cobra.ExactArgs(1),
		RunE:  runDownload,
	}

	// --- Development ---
	devserverCmd = &cobra.Command{
		Use:   "devserver",
		Short: "Run a local backend that scripts workflow streams",
		Args:  cobra.NoArgs,
		RunE:  runDevserver, // Defined in cmd_devserver.go
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globals.ConfigPath, "config", "", "config file (default ~/.vigil/vigil.yaml)")
	pf.StringVar(&globals.LogLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	pf.BoolVar(&globals.Plain, "plain", false, "plain output without colors or live updates")

	askCmd.Flags().StringSliceVarP(&askAttach, "attach", "a", nil, "file to attach (repeatable)")

	contractConfirmCmd.Flags().BoolVarP(&confirmWait, "wait", "w", false, "poll until the confirmation finishes")
	contractConfirmCmd.Flags().DurationVar(&confirmInterval, "interval", 2*time.Second, "poll interval with --wait")
	contractConfirmCmd.Flags().DurationVar(&confirmTimeout, "timeout", 2*time.Minute, "give up waiting after this long")

	historyDeleteCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "delete without asking")
	filesDeleteCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "delete without asking")

	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "destination path (default: file name in the current directory)")

	devserverCmd.Flags().StringVar(&devserverAddr, "addr", ":8890", "listen address")
	devserverCmd.Flags().DurationVar(&devserverDelay, "delay", 40*time.Millisecond, "pause between answer fragments")

	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd)
	filesCmd.AddCommand(filesListCmd, filesDeleteCmd)
	contractCmd.AddCommand(contractConfirmCmd, contractStatusCmd)

	rootCmd.AddCommand(
		loginCmd, logoutCmd, whoamiCmd,
		chatCmd, askCmd,
		historyCmd, filesCmd,
		contractCmd, downloadCmd,
		devserverCmd,
	)
}

// withApp builds the App for cmd, runs fn and closes the App.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	printer := ux.NewPrinter(globals.Plain)
	printer.Out = cmd.OutOrStdout()
	printer.Err = cmd.ErrOrStderr()

	app, err := newApp(ctx, globals, printer)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}
