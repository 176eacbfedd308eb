package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkrav/outreach/internal/delivery"
)

var accountTestTimeout int

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Sending account commands",
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured sending accounts",
	RunE:  runAccountList,
}

var accountTestCmd = &cobra.Command{
	Use:   "test <name>",
	Short: "Verify an account's SMTP connection and credentials",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountTest,
}

func init() {
	accountTestCmd.Flags().IntVar(&accountTestTimeout, "timeout", 15, "Connection timeout in seconds")

	accountCmd.AddCommand(accountListCmd, accountTestCmd)
	rootCmd.AddCommand(accountCmd)
}

func runAccountList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if len(cfg.Accounts) == 0 {
		fmt.Println("No accounts configured")
		return nil
	}

	for _, a := range cfg.Accounts {
		state := "enabled"
		if a.Disabled {
			state = "disabled"
		}
		fmt.Printf("%-20s %s:%d  %s  (%s)\n", a.Name, a.Host, a.Port, a.FromEmail, state)
	}
	return nil
}

func runAccountTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	name := args[0]
	for _, a := range cfg.Accounts {
		if a.Name != name {
			continue
		}

		timeout := time.Duration(accountTestTimeout) * time.Second
		client := delivery.NewClient(timeout, slog.New(slog.NewTextHandler(io.Discard, nil)))

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		fmt.Printf("Testing account %s (%s:%d)...\n", a.Name, a.Host, a.Port)
		if err := client.Check(ctx, a.Account()); err != nil {
			return fmt.Errorf("account test failed: %w", err)
		}
		fmt.Println("Connection and authentication OK")
		return nil
	}

	return fmt.Errorf("account %q not found in config", name)
}
