package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEncryptCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <plaintext>",
		Short: "Encrypt a credential for the account directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cipher, err := c.cipher(cmd.Context())
			if err != nil {
				return err
			}
			out, err := cipher.Encrypt(args[0])
			if err != nil {
				return fmt.Errorf("encrypt: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
}

func newDecryptCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <ciphertext>",
		Short: "Decrypt a stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cipher, err := c.cipher(cmd.Context())
			if err != nil {
				return err
			}
			out, err := cipher.Decrypt(args[0])
			if err != nil {
				return fmt.Errorf("decrypt: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
}
