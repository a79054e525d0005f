package main

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"sleepwake/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a settings file without starting the service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.env.SettingsFile
			if len(args) == 1 {
				path = args[0]
			}

			settings, err := config.ReadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: not found, defaults apply\n", path)
				return nil
			}
			if err != nil {
				return err
			}

			err = settings.Validate(a.resolver().Validate)
			var verr *config.ValidationError
			if errors.As(err, &verr) {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s: invalid\n", path)
				keys := make([]string, 0, len(verr.Fields))
				for k := range verr.Fields {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "  %-20s %s\n", k, verr.Fields[k])
				}
				a.logger.Debug("Settings validation failed", zap.Int("fields", len(keys)))
				return fmt.Errorf("%s has %d invalid field(s)", path, len(keys))
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	}
}
