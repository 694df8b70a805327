package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tutu-network/adrewards/internal/app/account"
	"github.com/tutu-network/adrewards/internal/domain"
)

// ─── Rewards CLI ────────────────────────────────────────────────────────────
// Thin clients for the daemon API. Every command needs 'adrewards serve'
// running.

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statementCmd)
	rootCmd.AddCommand(transactionsCmd)
	rootCmd.AddCommand(walletCmd)
	walletCmd.AddCommand(walletShowCmd)
	walletCmd.AddCommand(walletSetCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(depositCmd)
	rootCmd.AddCommand(creativeCmd)
	creativeCmd.AddCommand(creativeSetCmd)
	rootCmd.AddCommand(captchaCmd)
	captchaCmd.AddCommand(captchaSolvedCmd)

	transactionsCmd.Flags().String("from", "", "Earliest creation date (YYYY-MM-DD or RFC 3339)")
	transactionsCmd.Flags().String("to", "", "Latest creation date (YYYY-MM-DD or RFC 3339)")
	depositCmd.Flags().String("ad-type", string(domain.AdTypeAdNotification), "Ad type")
	depositCmd.Flags().String("type", string(domain.ConfirmationTypeViewed), "Confirmation type")
}

func bat(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(3) + " BAT"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

// ─── status ─────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show token pools, retry queue and schedules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		var s account.Status
		if _, err := c.do(cmd.Context(), http.MethodGet, "/api/status", nil, &s); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Enabled:\t%t\n", s.Enabled)
		fmt.Fprintf(w, "Wallet:\t%s\n", orDash(s.WalletID))
		fmt.Fprintf(w, "Confirmation tokens:\t%d\n", s.UnblindedTokens)
		fmt.Fprintf(w, "Payment tokens:\t%d\n", s.UnblindedPaymentTokens)
		fmt.Fprintf(w, "Retry queue:\t%d\n", s.RetryQueueSize)
		fmt.Fprintf(w, "Next redemption:\t%s\n", formatTime(s.NextRedemptionAt))
		fmt.Fprintf(w, "Next issuer fetch:\t%s\n", formatTime(s.NextIssuerFetchAt))
		if s.CaptchaID != "" {
			fmt.Fprintf(w, "Captcha required:\t%s\n", s.CaptchaID)
		}
		return w.Flush()
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ─── statement ──────────────────────────────────────────────────────────────

var statementCmd = &cobra.Command{
	Use:   "statement",
	Short: "Show the statement of accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		var s domain.Statement
		if _, err := c.do(cmd.Context(), http.MethodGet, "/api/statement", nil, &s); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Pending rewards:\t%s\n", bat(s.EstimatedPendingRewards))
		fmt.Fprintf(w, "Earnings this month:\t%s\n", bat(s.EarningsThisMonth))
		fmt.Fprintf(w, "Earnings last month:\t%s\n", bat(s.EarningsLastMonth))
		fmt.Fprintf(w, "Ads received this month:\t%d\n", s.AdsReceivedThisMonth)
		fmt.Fprintf(w, "Next payment date:\t%s\n", s.NextPaymentDate.Format(time.DateOnly))
		return w.Flush()
	},
}

// ─── transactions ───────────────────────────────────────────────────────────

var transactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "List ledger transactions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		q := url.Values{}
		if from, _ := cmd.Flags().GetString("from"); from != "" {
			q.Set("from", from)
		}
		if to, _ := cmd.Flags().GetString("to"); to != "" {
			q.Set("to", to)
		}
		path := "/api/transactions"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var resp struct {
			Transactions []domain.Transaction `json:"transactions"`
		}
		if _, err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		if len(resp.Transactions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No transactions.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CREATED\tVALUE\tAD TYPE\tCONFIRMATION\tREDEEMED")
		for _, t := range resp.Transactions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				formatTime(t.CreatedAt), bat(t.Value), t.AdType, t.ConfirmationType, formatTime(t.RedeemedAt))
		}
		return w.Flush()
	},
}

// ─── wallet ─────────────────────────────────────────────────────────────────

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Show or set the rewards wallet",
}

var walletShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the wallet id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		var resp struct {
			ID    string `json:"id"`
			Valid bool   `json:"valid"`
		}
		if _, err := c.do(cmd.Context(), http.MethodGet, "/api/wallet", nil, &resp); err != nil {
			return err
		}
		if !resp.Valid {
			fmt.Fprintln(cmd.OutOrStdout(), "No wallet set.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.ID)
		return nil
	},
}

var walletSetCmd = &cobra.Command{
	Use:   "set WALLET_ID SEED",
	Short: "Install a wallet",
	Long: `Install the rewards wallet. SEED is the base64 encoded 32 byte signing seed.
Switching to a different wallet discards every token of the old one.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		body := map[string]string{"id": args[0], "seed": args[1]}
		if _, err := c.do(cmd.Context(), http.MethodPut, "/api/wallet", body, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wallet %s set.\n", args[0])
		return nil
	},
}

// ─── enable / disable ───────────────────────────────────────────────────────

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Turn rewards on",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, true) },
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Turn rewards off",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, false) },
}

func setEnabled(cmd *cobra.Command, enabled bool) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if _, err := c.do(cmd.Context(), http.MethodPut, "/api/enabled", map[string]bool{"enabled": enabled}, nil); err != nil {
		return err
	}
	if enabled {
		fmt.Fprintln(cmd.OutOrStdout(), "Rewards enabled.")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Rewards disabled.")
	}
	return nil
}

// ─── deposit ────────────────────────────────────────────────────────────────

var depositCmd = &cobra.Command{
	Use:   "deposit CREATIVE_INSTANCE_ID",
	Short: "Credit an ad interaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		adType, _ := cmd.Flags().GetString("ad-type")
		confType, _ := cmd.Flags().GetString("type")
		body := map[string]string{
			"creative_instance_id": args[0],
			"ad_type":              adType,
			"confirmation_type":    confType,
		}
		var resp struct {
			Confirmed   bool               `json:"confirmed"`
			Transaction domain.Transaction `json:"transaction"`
		}
		if _, err := c.do(cmd.Context(), http.MethodPost, "/api/ads/deposit", body, &resp); err != nil {
			return err
		}
		if !resp.Confirmed {
			fmt.Fprintln(cmd.OutOrStdout(), "Not confirmed yet. Watch 'adrewards status' for the retry queue.")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deposited %s (transaction %s).\n", bat(resp.Transaction.Value), resp.Transaction.ID)
		return nil
	},
}

// ─── creative ───────────────────────────────────────────────────────────────

var creativeCmd = &cobra.Command{
	Use:   "creative",
	Short: "Manage creative values",
}

var creativeSetCmd = &cobra.Command{
	Use:   "set CREATIVE_INSTANCE_ID VALUE",
	Short: "Set the value credited for a creative",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", args[1], err)
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		path := "/api/creatives/" + url.PathEscape(args[0])
		if _, err := c.do(cmd.Context(), http.MethodPut, path, map[string]float64{"value": value}, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Creative %s is worth %s.\n", args[0], bat(value))
		return nil
	},
}

// ─── captcha ────────────────────────────────────────────────────────────────

var captchaCmd = &cobra.Command{
	Use:   "captcha",
	Short: "Resolve refill captchas",
}

var captchaSolvedCmd = &cobra.Command{
	Use:   "solved CAPTCHA_ID",
	Short: "Report a solved captcha and resume token refills",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		path := "/api/captcha/" + url.PathEscape(args[0]) + "/solved"
		if _, err := c.do(cmd.Context(), http.MethodPost, path, nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Captcha cleared. Token refills resumed.")
		return nil
	},
}
