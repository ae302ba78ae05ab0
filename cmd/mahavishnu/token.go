package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lesleslie/mahavishnu/internal/faults"
	"github.com/lesleslie/mahavishnu/internal/push"
)

var tokenPerms []string

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a push-server bearer token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return faults.Validation("jwt_secret", "auth.jwt_secret must be set to mint tokens")
		}
		auth := push.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Std())
		token, err := auth.Issue(args[0], tokenPerms)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringSliceVar(&tokenPerms, "perm", []string{"pool:read", "workflow:read"},
		"permissions embedded in the token")
	rootCmd.AddCommand(tokenCmd)
}
