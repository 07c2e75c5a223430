package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/furkansenharputlu/f-license-validator/config"
	"github.com/furkansenharputlu/f-license-validator/lcs"
	"github.com/furkansenharputlu/f-license-validator/purchase"
)

type options struct {
	configFile string
	envFile    string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "f-cli",
		Short:         "f-cli buys and verifies f-license licenses from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "config.json", "Config file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file")
	rootCmd.PersistentFlags().DurationVarP(&opts.timeout, "timeout", "t", 0, "Overall operation timeout (0 means none)")

	rootCmd.AddCommand(
		newPurchaseCmd(opts),
		newVerifyCmd(opts),
		newAccountCmd(opts),
	)

	return rootCmd
}

func newPurchaseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "purchase <license-id>",
		Short: "Purchase license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, v *purchase.Validator) lcs.OperationOutcome {
				return v.PurchaseLicense(ctx, args[0])
			})
		},
	}
}

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <package-id>",
		Short: "Verify the current account's license for a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, v *purchase.Validator) lcs.OperationOutcome {
				return v.VerifyCurrentLicense(ctx, args[0])
			})
		},
	}
}

func newAccountCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Show the account the credentials resolve to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.load()
			if err != nil {
				return err
			}

			account, ok := purchase.DefaultCredentials(c.Client).FetchAccountContext(cmd.Context())
			if !ok {
				return errors.New("account data unavailable")
			}

			return printJSON(cmd.OutOrStdout(), map[string]string{
				"username":          account.Username,
				"device_id":         account.DeviceID,
				"code":              account.SessionCode,
				"token_fingerprint": account.TokenFingerprint(),
			})
		},
	}
}

func (opts *options) load() (*config.Config, error) {
	if err := godotenv.Load(opts.envFile); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "couldn't load %s", opts.envFile)
	}

	c := config.New()
	if err := c.Load(opts.configFile); err != nil {
		return nil, err
	}

	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	return c, nil
}

func (opts *options) run(cmd *cobra.Command, op func(ctx context.Context, v *purchase.Validator) lcs.OperationOutcome) error {
	c, err := opts.load()
	if err != nil {
		return err
	}

	v, err := purchase.NewValidatorFromConfig(c.Client, purchase.Setup{
		Presenter: terminalPresenter{out: cmd.OutOrStdout()},
	})
	if err != nil {
		return err
	}
	defer v.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	o := op(ctx, v)
	if err := printJSON(cmd.OutOrStdout(), o); err != nil {
		return err
	}

	if o.Failed() {
		return errors.New(o.Error)
	}

	return nil
}

// terminalPresenter prints the payment code for the user to pay with.
type terminalPresenter struct {
	out io.Writer
}

func (p terminalPresenter) Present(_ context.Context, c purchase.Confirmation, done func(accepted bool)) {
	_, err := fmt.Fprintf(p.out, "Pay %s %s for %s with code: %s\nWaiting for payment...\n",
		c.QrCode.Amount, c.QrCode.Currency, c.QrCode.LicenseName, c.QrCode.Code)

	done(err == nil)
}

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, string(b))
	return err
}

func main() {
	checkErr(newRootCmd().ExecuteContext(context.Background()))
}

func checkErr(err error) {
	if err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
