package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"termcollab/backend/internal/share"
	"termcollab/backend/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func (a *app) newShareManager(ctx context.Context) (*share.Manager, error) {
	opt := share.Options{
		ServerURL:      a.cfg.Share.ServerURL,
		StorePath:      a.cfg.Share.StorePath,
		SyncInterval:   a.cfg.Share.SyncInterval,
		RequestTimeout: a.cfg.Share.RequestTimeout,
	}
	if a.cfg.Mysql.DSN != "" {
		if auditor, err := openAuditStore(ctx, a.cfg.Mysql.DSN); err != nil {
			a.logger.Warn("share audit disabled", zap.Error(err))
		} else {
			opt.Auditor = auditor
		}
	}
	m, err := share.NewManager(opt, a.logger)
	if err != nil {
		return nil, err
	}
	if err := m.Load(); err != nil {
		a.logger.Warn("load shares failed, starting empty", zap.Error(err))
	}
	return m, nil
}

func openAuditStore(ctx context.Context, dsn string) (*store.ShareAuditStore, error) {
	db, err := store.InitMySQL(dsn)
	if err != nil {
		return nil, err
	}
	s := store.NewShareAuditStore(db)
	if err := s.AutoMigrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newShareCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Manage session share tokens",
	}
	cmd.AddCommand(newShareCreateCmd(a), newShareRevokeCmd(a), newShareInfoCmd(a), newShareListCmd(a))
	return cmd
}

func newShareCreateCmd(a *app) *cobra.Command {
	var (
		req    share.CreateRequest
		access string
		output string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a share token for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			accessType, err := share.ParseAccessType(access)
			if err != nil {
				return fmt.Errorf("--access must be read-only or interactive: %w", err)
			}
			req.AccessType = accessType
			m, err := a.newShareManager(cmd.Context())
			if err != nil {
				return err
			}
			s, err := m.CreateShare(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printShares(cmd.OutOrStdout(), output, []*share.Share{s})
		},
	}
	cmd.Flags().StringVar(&req.SessionID, "session", "", "session id")
	cmd.Flags().StringVar(&req.OwnerID, "owner", "", "owner user id")
	cmd.Flags().StringVar(&access, "access", string(share.AccessReadOnly), "access type: read-only or interactive")
	cmd.Flags().IntVar(&req.ExpiresInHours, "expires-hours", 0, "expiry in hours, 0 for none")
	cmd.Flags().BoolVar(&req.IsPublic, "public", false, "make the share public")
	cmd.Flags().BoolVar(&req.RequireEncryption, "encrypt", false, "request an encryption key")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json, yaml")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newShareRevokeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke TOKEN",
		Short: "Revoke a share token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.newShareManager(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := m.RevokeShare(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s: %v\n", args[0], ok)
			return nil
		},
	}
}

func newShareInfoCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "info TOKEN",
		Short: "Show a share (local cache first, then the share service)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.newShareManager(cmd.Context())
			if err != nil {
				return err
			}
			s, err := m.GetShareInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if s == nil {
				return fmt.Errorf("share %s not found", args[0])
			}
			return printShares(cmd.OutOrStdout(), output, []*share.Share{s})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json, yaml")
	return cmd
}

func newShareListCmd(a *app) *cobra.Command {
	var (
		sessionID string
		all       bool
		output    string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List shares in the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.newShareManager(cmd.Context())
			if err != nil {
				return err
			}
			var shares []*share.Share
			switch {
			case all:
				shares = m.Shares()
			case sessionID != "":
				shares = m.SharesForSession(sessionID)
			default:
				shares = m.ActiveShares()
			}
			return printShares(cmd.OutOrStdout(), output, shares)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only active shares of this session")
	cmd.Flags().BoolVar(&all, "all", false, "include inactive shares")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json, yaml")
	return cmd
}

func printShares(w io.Writer, format string, shares []*share.Share) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(shares)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(shares)
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TOKEN\tSESSION\tACCESS\tACTIVE\tVIEWS\tPARTICIPANTS\tEXPIRES")
		for _, s := range shares {
			expires := "-"
			if s.ExpiresAt != nil {
				expires = s.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%d\t%d\t%s\n",
				s.Token, s.SessionID, s.AccessType, s.IsActive, s.Views, s.ActiveParticipants, expires)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
