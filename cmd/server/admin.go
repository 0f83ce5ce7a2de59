package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/warp/allowance-engine/api"
	"github.com/warp/allowance-engine/family"
	"github.com/warp/allowance-engine/generic"
	"github.com/warp/allowance-engine/screentime"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		// sqlite.New migrates on open.
		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire-grace",
	Short: "Expire stale pending grace requests once",
	Long: `Resolve PENDING_APPROVAL grace requests older than grace.pending_timeout
to EXPIRED. The server does this on grace.expiry_schedule; this command runs
the same pass once, e.g. from an external cron.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		engine := screentime.NewGraceEngine(store, cfg.Grace.Settings(), nil, logger)
		n, err := engine.ExpireStale(cmd.Context(), time.Now().UTC(), cfg.Grace.PendingTimeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d request(s)\n", n)
		return nil
	},
}

var tokenFlags struct {
	member string
	family string
	role   string
	ttl    time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a member (development)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
		if tokenFlags.member == "" || tokenFlags.family == "" {
			return fmt.Errorf("--member and --family are required")
		}
		auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		token, err := auth.IssueToken(api.Actor{
			MemberID: tokenFlags.member,
			FamilyID: tokenFlags.family,
			Role:     family.Role(tokenFlags.role),
		}, tokenFlags.ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var seedFlags struct {
	timezone string
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a demo family with a guardian, a child and a daily allowance",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		ids, err := seed(cmd.Context(), store, screentime.NewService(store, cfg.Grace.Settings(), nil, logger), seedFlags.timezone)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "family:         %s\n", ids.family)
		fmt.Fprintf(out, "guardian:       %s\n", ids.guardian)
		fmt.Fprintf(out, "child:          %s\n", ids.child)
		fmt.Fprintf(out, "allowance type: %s\n", ids.allowanceType)
		return nil
	},
}

type seededIDs struct {
	family, guardian, child, allowanceType string
}

func seed(ctx context.Context, w family.Writer, svc *screentime.Service, tz string) (seededIDs, error) {
	if _, err := generic.CalendarFor(tz); err != nil {
		return seededIDs{}, err
	}
	now := time.Now().UTC()
	ids := seededIDs{
		family:   "f-" + uuid.NewString()[:8],
		guardian: "m-" + uuid.NewString()[:8],
		child:    "m-" + uuid.NewString()[:8],
	}
	if err := w.SaveFamily(ctx, family.Family{ID: ids.family, Name: "Demo family", Timezone: tz, CreatedAt: now}); err != nil {
		return ids, err
	}
	members := []family.Member{
		{ID: ids.guardian, FamilyID: ids.family, Name: "Parent", Role: family.RoleGuardian, CreatedAt: now},
		{ID: ids.child, FamilyID: ids.family, Name: "Kid", Role: family.RoleChild, CreatedAt: now},
	}
	for _, m := range members {
		if err := w.SaveMember(ctx, m); err != nil {
			return ids, err
		}
	}
	typ, err := svc.CreateAllowanceType(ctx, ids.guardian, screentime.AllowanceType{
		FamilyID:     ids.family,
		Name:         "Screen time",
		DailyMinutes: 120,
		ResetPeriod:  generic.PeriodDaily,
	})
	if err != nil {
		return ids, err
	}
	ids.allowanceType = typ.ID
	return ids, nil
}

func init() {
	tokenCmd.Flags().StringVar(&tokenFlags.member, "member", "", "member id (token subject)")
	tokenCmd.Flags().StringVar(&tokenFlags.family, "family", "", "family id")
	tokenCmd.Flags().StringVar(&tokenFlags.role, "role", string(family.RoleChild), "guardian or child")
	tokenCmd.Flags().DurationVar(&tokenFlags.ttl, "ttl", 24*time.Hour, "token lifetime")

	seedCmd.Flags().StringVar(&seedFlags.timezone, "timezone", "", "IANA timezone for the family (empty for UTC)")

	rootCmd.AddCommand(migrateCmd, expireCmd, tokenCmd, seedCmd)
}
