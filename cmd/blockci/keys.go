package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"blockci/internal/security"

	"github.com/spf13/cobra"
)

func (a *app) keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the ledger signing key pair",
	}

	var force bool
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new ed25519 signing key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := a.cfg.KeysDir()
			pubPath := filepath.Join(dir, security.PublicKeyFile)
			privPath := filepath.Join(dir, security.PrivateKeyFile)
			if _, err := os.Stat(pubPath); err == nil && !force {
				return fmt.Errorf("key pair already exists in %s (use --force to replace it)", dir)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			pub, priv, err := security.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("creating key directory: %w", err)
			}
			if err := security.SaveKeyPair(pub, priv, pubPath, privPath); err != nil {
				return err
			}
			s, err := security.NewSigner(pub, priv)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Wrote %s and %s\nPublic key: %s\n", pubPath, privPath, s.PublicKeyHex())
			return nil
		},
	}
	generate.Flags().BoolVar(&force, "force", false, "replace an existing key pair")

	cmd.AddCommand(generate)
	return cmd
}
