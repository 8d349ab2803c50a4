package cli

import (
	"encoding/json"
	"errors"

	"github.com/glimps-re/scan-proxy/pkg/client"
	"github.com/spf13/cobra"
)

var (
	authEmail    string
	authPassword string
	authFullName string
)

func checkCredentials(cmd *cobra.Command, args []string) error {
	if authEmail == "" || authPassword == "" {
		return errors.New("email and password are mandatory")
	}
	return cobra.NoArgs(cmd, args)
}

func printAuth(cmd *cobra.Command, auth client.AuthResponse) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(auth)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and print the token to use with scan",
	Args:  checkCredentials,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		initDebug()
		c, err := newClient()
		if err != nil {
			return
		}
		auth, err := c.Login(cmd.Context(), authEmail, authPassword)
		if err != nil {
			return
		}
		return printAuth(cmd, auth)
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and print its token",
	Args:  checkCredentials,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		initDebug()
		c, err := newClient()
		if err != nil {
			return
		}
		auth, err := c.Register(cmd.Context(), authEmail, authPassword, authFullName)
		if err != nil {
			return
		}
		return printAuth(cmd, auth)
	},
}
