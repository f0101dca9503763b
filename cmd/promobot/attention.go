package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var attentionCmd = &cobra.Command{
	Use:   "attention",
	Short: "Re-engagement tracking commands",
}

var attentionScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Flag stale users and unflag recently contacted ones",
	RunE:  runAttentionScan,
}

var attentionResetCmd = &cobra.Command{
	Use:   "reset <chat_id>...",
	Short: "Clear the attention flag for the given chats",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAttentionReset,
}

func init() {
	attentionCmd.AddCommand(attentionScanCmd, attentionResetCmd)
	rootCmd.AddCommand(attentionCmd)
}

func runAttentionScan(cmd *cobra.Command, args []string) error {
	s, err := openServices(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.Tracker.Scan(cmd.Context())
	if err != nil {
		return fmt.Errorf("attention scan failed: %w", err)
	}
	if result.Skipped {
		fmt.Println("Attention scan skipped, another scan is running")
		return nil
	}

	fmt.Printf("Flagged:   %d\n", result.Flagged)
	fmt.Printf("Unflagged: %d\n", result.Unflagged)
	return nil
}

func runAttentionReset(cmd *cobra.Command, args []string) error {
	s, err := openServices(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.Tracker.ResetByChatIDs(cmd.Context(), args)
	if err != nil {
		return fmt.Errorf("failed to reset attention: %w", err)
	}

	fmt.Printf("Reset %d of %d users\n", n, len(args))
	return nil
}
