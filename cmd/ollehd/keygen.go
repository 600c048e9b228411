package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"ollehd/internal/crypto"
)

func keygenCmd() *cobra.Command {
	var (
		dir   string
		curve string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the instance key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				h, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				dir = filepath.Join(h, ".ollehd")
			}
			name, err := crypto.CanonicalCurve(curve)
			if err != nil {
				return err
			}
			if _, err := crypto.LoadKeyPair(dir); err == nil && !force {
				return errors.Errorf("key pair already exists in %s (use --force to replace it)", dir)
			}
			kp, err := crypto.GenerateKeyPair(name)
			if err != nil {
				return err
			}
			if err := crypto.SaveKeyPair(dir, kp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s written to %s\n", kp.Public, dir)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dir, "dir", "", "key directory (default ~/.ollehd)")
	f.StringVar(&curve, "curve", crypto.DefaultCurve, "named curve")
	f.BoolVar(&force, "force", false, "replace an existing key pair")
	return cmd
}
