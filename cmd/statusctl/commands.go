package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"statuslanes/app"
	"statuslanes/security"
	"statuslanes/status"
	"statuslanes/store"
)

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [device]",
		Short: "Fetch calendars and rebuild today's cache",
		Long:  `Syncs one device, or every registered device when none is given, and prints the report as JSON.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					report, err := a.Syncer.SyncDevice(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), report)
				}
				report, err := a.Syncer.SyncAll(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if report.Failed > 0 {
					return fmt.Errorf("%d of %d device(s) failed", report.Failed, len(report.Devices))
				}
				return nil
			})
		},
	}
}

func (c *cli) reconcileCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "reconcile <device>",
		Short: "Re-evaluate a device's cached events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				now := a.Now()
				if at != "" {
					t, err := time.Parse(time.RFC3339, at)
					if err != nil {
						return fmt.Errorf("invalid --at: %w", err)
					}
					now = t
				}
				res, err := a.Reconciler.Reconcile(ctx, args[0], now)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC3339 time instead of now")
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <device>",
		Short: "Print a device's config, cache, active status and pending wake-ups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				dev, err := a.Store.GetDevice(ctx, args[0])
				if err != nil {
					return err
				}
				pending, err := a.Scheduler.Pending(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), struct {
					*status.Device
					PendingWakeups []time.Time `json:"pending_wakeups"`
				}{dev, pending})
			})
		},
	}
}

func (c *cli) setCmd() *cobra.Command {
	var label, source string
	cmd := &cobra.Command{
		Use:   "set <device> <key>",
		Short: "Set a status by hand",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid status key %q", args[1])
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Reconciler.SetStatus(ctx, args[0], status.StatusRequest{
					Key:    key,
					Label:  label,
					Source: status.Source(source),
				}, a.Now())
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "label override (defaults to the table label)")
	cmd.Flags().StringVar(&source, "source", string(status.SourceManual), "manual or automation")
	return cmd
}

func (c *cli) seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Register the devices of a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := store.LoadSeedFile(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := seed.Apply(ctx, a.Store); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d device(s)\n", len(seed.Devices))
				return nil
			})
		},
	}
}

func (c *cli) channelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage push-notification channel bindings",
	}

	var ttl time.Duration
	var token string
	bind := &cobra.Command{
		Use:   "bind <google|outlook> <channel-id> <device>",
		Short: "Route a provider push channel to a device",
		Long: `Binds a Google channel id or Graph subscription id to a device. Notifications
must carry the binding token: set it as the Google channel token or the Graph
clientState. A random token is generated and printed when --token is empty.`,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := status.Provider(args[0])
			if provider != status.ProviderGoogle && provider != status.ProviderOutlook {
				return fmt.Errorf("unsupported provider %q", args[0])
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := a.Store.GetDevice(ctx, args[2]); err != nil {
					return err
				}
				d := ttl
				if d <= 0 {
					d = a.Config.ChannelBindingTTL
				}
				secret := token
				if secret == "" {
					secret = uuid.NewString()
				}
				if err := a.Store.BindChannel(ctx, provider, args[1], args[2], secret, d); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "bound %s channel %s to %s for %s\n", provider, args[1], args[2], d)
				fmt.Fprintf(cmd.OutOrStdout(), "token=%s\n", secret)
				return nil
			})
		},
	}
	bind.Flags().DurationVar(&ttl, "ttl", 0, "binding lifetime (defaults to CHANNEL_BINDING_TTL)")
	bind.Flags().StringVar(&token, "token", "", "channel token or clientState notifications must carry")

	cmd.AddCommand(bind)
	return cmd
}

func (c *cli) deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage registered devices",
	}
	rm := &cobra.Command{
		Use:   "rm <device>",
		Short: "Remove a device and its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := a.Store.GetDevice(ctx, args[0]); err != nil {
					return err
				}
				if err := a.Store.DeleteDevice(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(rm)
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect and revoke stored calendar credentials",
	}
	statusCmd := &cobra.Command{
		Use:   "status <account>",
		Short: "Report whether each stored provider token is usable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return printJSON(cmd.OutOrStdout(), security.NewCalendarClients(a.Tokens).ProviderStatus(ctx, args[0]))
			})
		},
	}
	rm := &cobra.Command{
		Use:   "rm <account> <google|outlook>",
		Short: "Delete the stored token for an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := status.Provider(args[1])
			if provider != status.ProviderGoogle && provider != status.ProviderOutlook {
				return fmt.Errorf("unsupported provider %q", args[1])
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Tokens.DeleteToken(ctx, provider, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s token for %s\n", provider, args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(statusCmd, rm)
	return cmd
}

func formatCmd() *cobra.Command {
	var tz, dateFormat, timeFormat string
	cmd := &cobra.Command{
		Use:   "format <epoch-millis>",
		Short: "Render a timestamp the way a device would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid epoch millis %q", args[0])
			}
			out, err := status.FormatTimestamp(ms, tz, status.DateFormat(dateFormat), status.TimeFormat(timeFormat))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "UTC", "IANA timezone")
	cmd.Flags().StringVar(&dateFormat, "date", string(status.DateMDY), "MDY, DMY or YMD")
	cmd.Flags().StringVar(&timeFormat, "time", string(status.Time12h), "12h or 24h")
	return cmd
}

func printResult(w io.Writer, res status.Result) {
	fmt.Fprintf(w, "device=%s state=%s changed=%t pushed=%t\n", res.DeviceID, res.State, res.Changed, res.Pushed)
	if res.Active.Key != 0 {
		fmt.Fprintf(w, "status=%d label=%q source=%s\n", res.Active.Key, res.Active.Label, res.Active.Source)
	}
	if res.PushErr != nil {
		fmt.Fprintf(w, "push error: %v\n", res.PushErr)
	}
	for _, at := range res.Wakeups {
		fmt.Fprintf(w, "wake at %s\n", at.Format(time.RFC3339))
	}
}
