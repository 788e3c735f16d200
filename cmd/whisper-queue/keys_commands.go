package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/snarg/whisper-queue/internal/auth"
)

func newKeysCommand(cctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys directly in the database",
	}
	cmd.AddCommand(newKeysCreateCommand(cctx))
	cmd.AddCommand(newKeysListCommand(cctx))
	cmd.AddCommand(newKeysRevokeCommand(cctx))
	return cmd
}

// withProvisioner opens the store for one admin operation.
func withProvisioner(cmd *cobra.Command, cctx *commandContext, fn func(*auth.Provisioner) error) error {
	cfg, err := cctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := cctx.logger(cfg)
	store, err := openStore(cmd.Context(), cfg, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	return fn(auth.NewProvisioner(store, log.With().Str("component", "auth").Logger()))
}

func newKeysCreateCommand(cctx *commandContext) *cobra.Command {
	var name string
	var expiresDays int
	var allowedIPs []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		RunE: func(cmd *cobra.Command, args []string) error {
			var days *int
			if cmd.Flags().Changed("expires-days") {
				days = &expiresDays
			}
			return withProvisioner(cmd, cctx, func(p *auth.Provisioner) error {
				key, err := p.Generate(cmd.Context(), name, days, allowedIPs)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Key ID:     %d\n", key.ID)
				fmt.Fprintf(out, "Name:       %s\n", key.Name)
				fmt.Fprintf(out, "Expires:    %s\n", formatOptionalTime(key.ExpiresAt))
				fmt.Fprintf(out, "API key:    %s\n", key.Key)
				fmt.Fprintln(out, "Store this key now, it cannot be shown again.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Key name")
	cmd.Flags().IntVar(&expiresDays, "expires-days", 0, "Days until the key expires (omit for no expiry)")
	cmd.Flags().StringSliceVar(&allowedIPs, "allowed-ip", nil, "Allowed caller IP or CIDR (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newKeysListCommand(cctx *commandContext) *cobra.Command {
	var activeOnly bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProvisioner(cmd, cctx, func(p *auth.Provisioner) error {
				keys, err := p.List(cmd.Context(), activeOnly)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(keys)
				}
				if len(keys) == 0 {
					fmt.Fprintln(out, "No API keys")
					return nil
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Prefix", "Name", "Active", "Uses", "Last used", "Expires", "Allowed IPs"},
					keyRows(keys),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active-only", false, "Only list active keys")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func keyRows(keys []auth.KeyInfo) [][]string {
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		ips := "any"
		if len(k.AllowedIPs) > 0 {
			ips = strings.Join(k.AllowedIPs, ", ")
		}
		rows = append(rows, []string{
			strconv.FormatInt(k.ID, 10),
			k.Prefix,
			k.Name,
			strconv.FormatBool(k.IsActive),
			strconv.FormatInt(k.UseCount, 10),
			formatOptionalTime(k.LastUsedAt),
			formatOptionalTime(k.ExpiresAt),
			ips,
		})
	}
	return rows
}

func newKeysRevokeCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an active API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id < 1 {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			return withProvisioner(cmd, cctx, func(p *auth.Provisioner) error {
				ok, err := p.Revoke(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no active key with id %d", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Key %d revoked\n", id)
				return nil
			})
		},
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
