package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/iot-hub/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a dashboard token for the websocket stream",
	Long: `Mint an HS256 token signed with auth.jwt_secret. Dashboards pass it as
the token query parameter of /ws.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("username", "", "username claim")
	tokenCmd.Flags().String("email", "", "email claim")
	tokenCmd.Flags().String("role", "viewer", "role claim")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().String("jwt-secret", "", "HMAC secret (defaults to auth.jwt_secret)")
}

func runToken(cmd *cobra.Command, args []string) error {
	secret, _ := cmd.Flags().GetString("jwt-secret")
	if secret == "" {
		secret = viper.GetString("auth.jwt_secret")
	}
	if secret == "" {
		return errors.New("no JWT secret configured: set auth.jwt_secret or --jwt-secret")
	}

	ttl, _ := cmd.Flags().GetDuration("ttl")
	if !cmd.Flags().Changed("ttl") && viper.IsSet("auth.token_ttl") {
		ttl = viper.GetDuration("auth.token_ttl")
	}

	issuer, err := auth.NewJWT(&auth.JWTConfig{
		Secret: []byte(secret),
		Issuer: viper.GetString("auth.issuer"),
		TTL:    ttl,
	})
	if err != nil {
		return err
	}

	username, _ := cmd.Flags().GetString("username")
	email, _ := cmd.Flags().GetString("email")
	role, _ := cmd.Flags().GetString("role")

	token, err := issuer.Issue(auth.Identity{
		UserID:   args[0],
		Username: username,
		Email:    email,
		Role:     role,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, token)
	return nil
}
