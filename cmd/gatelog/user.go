package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/service"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

var (
	userFullName string
	userAdmin    bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage operator accounts",
}

func init() {
	userAddCmd.Flags().StringVar(&userFullName, "name", "", "full name shown in the kiosk")
	userAddCmd.Flags().BoolVar(&userAdmin, "admin", false, "grant the admin role")
	userCmd.AddCommand(userAddCmd)
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create an operator account",
	Long:  `Creates an operator account. The password is read from GATELOG_NEW_PASSWORD.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := os.Getenv("GATELOG_NEW_PASSWORD")
		if password == "" {
			return errors.New("set GATELOG_NEW_PASSWORD to the new account's password")
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		role := types.RoleOperator
		if userAdmin {
			role = types.RoleAdmin
		}
		u, err := a.auth.CreateUser(ctx, service.NewUser{
			Username: args[0],
			Password: password,
			FullName: userFullName,
			Role:     role,
		})
		if err != nil {
			return err
		}
		fmt.Println(color.GreenString("✓") + " Created " + string(u.Role) + " " + color.CyanString(u.Username))
		fmt.Println("  ID: " + color.YellowString(u.ID))
		return nil
	},
}
