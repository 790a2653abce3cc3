package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"imghost/internal/server/database"
	"imghost/internal/server/service"
	"imghost/internal/server/storage"
)

var inviteReq service.InviteRequest

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Generate invite codes and print them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		db, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		admin := service.NewAdminService(
			database.NewConfigRepository(db),
			database.NewUserRepository(db),
			database.NewInviteRepository(db),
			database.NewImageRepository(db),
			storage.NewFileSystemStore(cfg.StoragePath),
			db,
		)
		codes, err := admin.CreateInvites(ctx, inviteReq)
		if err != nil {
			return err
		}
		for _, c := range codes {
			fmt.Fprintln(cmd.OutOrStdout(), c)
		}
		return nil
	},
}

func init() {
	f := inviteCmd.Flags()
	f.IntVarP(&inviteReq.Count, "count", "n", 1, "number of codes (1-100)")
	f.IntVar(&inviteReq.Days, "days", 7, "days until expiry, 0 never expires")
	f.IntVar(&inviteReq.Limit, "limit", 1, "uses per code")
}
