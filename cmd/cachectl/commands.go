package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	appparam "github.com/paramcache/backend/internal/application/parameter"
	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/infrastructure/auth"
	"github.com/spf13/cobra"
)

func getInvalidateCmd(o *rootOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "invalidate [all|document_types|system_dates|system_rates]",
		Short: "Clear cached entries and notify every instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 1 {
				raw = args[0]
			}
			kind, err := parameter.ParseKind(raw)
			if err != nil {
				return err
			}
			if name != "" && kind != parameter.KindSystemRates {
				return fmt.Errorf("--name is only accepted for %s", parameter.KindSystemRates)
			}
			scope := parameter.Scope{Kind: kind, Name: name}

			return o.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.svc.InvalidateFrom(ctx, scope, appparam.OriginCLI); err != nil {
					return err
				}
				return o.print(cmd.OutOrStdout(), map[string]string{"scope": scope.String()}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "invalidated %s\n", scope)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "single system rate to invalidate")
	return cmd
}

func getStatsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show how many entries the cache holds per kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				stats, err := rt.svc.Stats(ctx)
				if err != nil {
					return err
				}
				return o.print(cmd.OutOrStdout(), stats, func(w io.Writer) error {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					_, _ = fmt.Fprintln(tw, "KIND\tENTRIES")
					_, _ = fmt.Fprintf(tw, "%s\t%d\n", parameter.KindDocumentTypes, stats.DocumentTypes)
					_, _ = fmt.Fprintf(tw, "%s\t%d\n", parameter.KindSystemDates, stats.SystemDates)
					_, _ = fmt.Fprintf(tw, "%s\t%d\n", parameter.KindSystemRates, stats.SystemRates)
					return tw.Flush()
				})
			})
		},
	}
}

func getPopulateCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "populate <document_types|system_dates>",
		Short: "Reload a kind from the parameter service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parameter.ParseKind(args[0])
			if err != nil {
				return err
			}
			return o.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				report, err := rt.svc.Populate(ctx, kind)
				if err != nil {
					return err
				}
				return o.print(cmd.OutOrStdout(), report, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%s: fetched %d, saved %d, failed %d\n",
						report.Kind, report.Fetched, report.Saved, len(report.Failed))
					return err
				})
			})
		},
	}
}

// getGetCmd reads through the cache, fetching misses like the HTTP API does.
func getGetCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Read cached parameters",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "rate <name>",
			Short: "Show one system rate",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
					rate, err := rt.svc.GetSystemRate(ctx, args[0])
					if err != nil {
						return err
					}
					return o.print(cmd.OutOrStdout(), rate, func(w io.Writer) error {
						_, err := fmt.Fprintf(w, "%s\t%s\n", rate.Name, rate.Rate)
						return err
					})
				})
			},
		},
		&cobra.Command{
			Use:   "doctypes",
			Short: "List document types",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return o.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
					docs, err := rt.svc.GetDocumentTypes(ctx)
					if err != nil {
						return err
					}
					return o.print(cmd.OutOrStdout(), docs, func(w io.Writer) error {
						tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
						_, _ = fmt.Fprintln(tw, "NAME\tEXPIRATION")
						for _, d := range docs {
							_, _ = fmt.Fprintf(tw, "%s\t%s\n", d.Name, d.Expiration)
						}
						return tw.Flush()
					})
				})
			},
		},
		&cobra.Command{
			Use:   "dates",
			Short: "List system dates",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return o.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
					dates, err := rt.svc.GetSystemDates(ctx)
					if err != nil {
						return err
					}
					return o.print(cmd.OutOrStdout(), dates, func(w io.Writer) error {
						tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
						_, _ = fmt.Fprintln(tw, "TYPE\tDAY")
						for _, d := range dates {
							_, _ = fmt.Fprintf(tw, "%s\t%s\n", d.Name, d.Day)
						}
						return tw.Flush()
					})
				})
			},
		},
		&cobra.Command{
			Use:   "day <offset>",
			Short: "Show the business day offset days from today",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				days, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("offset must be an integer: %w", err)
				}
				return o.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
					day, err := rt.svc.GetDay(ctx, days)
					if err != nil {
						return err
					}
					return o.print(cmd.OutOrStdout(), map[string]any{"days": days, "day": day}, func(w io.Writer) error {
						_, err := fmt.Fprintln(w, day)
						return err
					})
				})
			},
		},
	)
	return cmd
}

func getTokenCmd(o *rootOptions) *cobra.Command {
	var (
		subject  string
		username string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the invalidation endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.deps.loadConfig(o.configFile)
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokenService(cfg.Auth)
			if err != nil {
				return err
			}
			token, err := tokens.Issue(subject, username, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (required)")
	cmd.Flags().StringVar(&username, "username", "", "username claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
