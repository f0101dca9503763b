package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/promobot/internal/coupon"
)

var couponCmd = &cobra.Command{
	Use:   "coupon",
	Short: "Coupon redemption commands",
}

var couponLookupCmd = &cobra.Command{
	Use:   "lookup <code>",
	Short: "Show a coupon, its campaign and owner",
	Args:  cobra.ExactArgs(1),
	RunE:  runCouponLookup,
}

var couponUseCmd = &cobra.Command{
	Use:   "use <code>",
	Short: "Record one use of a coupon",
	Args:  cobra.ExactArgs(1),
	RunE:  runCouponUse,
}

func init() {
	couponCmd.AddCommand(couponLookupCmd, couponUseCmd)
	rootCmd.AddCommand(couponCmd)
}

func runCouponLookup(cmd *cobra.Command, args []string) error {
	s, err := openServices(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	q, err := s.Redeemer.Lookup(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to look up coupon: %w", err)
	}

	printQuery(q)
	if q.State == coupon.StateRejected {
		return fmt.Errorf("coupon rejected: %s", q.Reason)
	}
	return nil
}

func runCouponUse(cmd *cobra.Command, args []string) error {
	s, err := openServices(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()

	q, err := s.Redeemer.Lookup(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to look up coupon: %w", err)
	}
	if q.State == coupon.StateRejected {
		return fmt.Errorf("coupon rejected: %s", q.Reason)
	}

	conf, err := s.Redeemer.Confirm(ctx, q.Coupon.ID)
	if err != nil {
		return fmt.Errorf("failed to use coupon: %w", err)
	}

	switch conf.State {
	case coupon.StateConfirmed:
		fmt.Printf("Coupon %s used (%d/%d)\n", conf.Coupon.Code, conf.Coupon.UsesCount, conf.Coupon.MaxUses)
		if conf.OrderURL != "" {
			fmt.Printf("Order link: %s\n", conf.OrderURL)
		}
		return nil
	case coupon.StateExhausted:
		return fmt.Errorf("coupon %s has no uses left", q.Coupon.Code)
	default:
		return fmt.Errorf("coupon %s was not found", q.Coupon.Code)
	}
}

func printQuery(q *coupon.Query) {
	fmt.Printf("State:     %s\n", q.State)
	if c := q.Coupon; c != nil {
		fmt.Printf("Code:      %s\n", c.Code)
		fmt.Printf("Uses:      %d/%d\n", c.UsesCount, c.MaxUses)
		fmt.Printf("Sent:      %s\n", strconv.FormatBool(c.IsSent))
		fmt.Printf("Issued:    %s\n", c.CreatedAt.Local().Format(time.RFC3339))
		if c.UsedAt != nil {
			fmt.Printf("Last used: %s\n", c.UsedAt.Local().Format(time.RFC3339))
		}
	}
	if r := q.Rule; r != nil {
		fmt.Printf("Campaign:  %s (#%d)\n", r.Name, r.ID)
	}
	if u := q.User; u != nil {
		fmt.Printf("Owner:     %s %s @%s (chat %s)\n", u.FirstName, u.LastName, u.UserName, u.ChatID)
	}
	if q.Reason != "" {
		fmt.Printf("Reason:    %s\n", q.Reason)
	}
}
