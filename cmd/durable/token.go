package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/durable/auth"
)

func newTokenCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPath, flags.envFile)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			j, err := newJWT(cfg.Auth)
			if err != nil {
				return err
			}

			subject, _ := cmd.Flags().GetString("subject")
			scopes, _ := cmd.Flags().GetStringSlice("scope")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := j.Sign(auth.Identity{Subject: subject, Scopes: scopes}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("subject", "cli", "token subject")
	cmd.Flags().StringSlice("scope", []string{auth.ScopeAll}, "granted scopes (repeatable)")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}
