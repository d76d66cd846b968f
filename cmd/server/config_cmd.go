package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/recipebox/recipebox/internal/auth"
	"github.com/recipebox/recipebox/internal/config"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print an example configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.DumpExampleConfig(cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
			if _, err := config.Parse(data); err != nil {
				return err
			}
			hash := config.Fingerprint(data)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (sha256 %x)\n", opts.ConfigPath, hash[:8])
			return nil
		},
	})

	var password string
	hashCmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash an admin password for auth.admin_password_hash",
		Long: `Hash an admin password with bcrypt. The password is read from --password
or, when omitted, from the first line of standard input.

Example:
  echo -n 's3cret' | recipebox config hash-password`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password must not be empty")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	hashCmd.Flags().StringVar(&password, "password", "", "password to hash (read from stdin when empty)")
	cmd.AddCommand(hashCmd)

	return cmd
}
