package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/auth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newMintTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Print a signed development session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			minter, err := auth.NewSessionMinter(auth.SessionMinterConfig{
				SigningSecret: []byte(viper.GetString("session.signing_secret")),
				Issuer:        viper.GetString("session.issuer"),
				TTL:           ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := minter.Mint(userID, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Canonical user id to embed")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
