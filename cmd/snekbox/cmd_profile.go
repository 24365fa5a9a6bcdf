//go:build linux

package main

import (
	"context"
	"io"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/snekbox/sandbox"
)

// ProfileCmd creates the profile command, which prints the effective
// isolation profile.
func ProfileCmd(cfg *Config) *Command {
	flags := flag.NewFlagSet("profile", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.String("profile", "", "Print the isolation profile at `file`")

	return &Command{
		Flags:   flags,
		Usage:   "profile [flags]",
		Short:   "Print the effective isolation profile",
		Long:    "Print the isolation profile as YAML, with limits from the config applied.",
		Aliases: []string{},
		Exec: func(_ context.Context, _ io.Reader, stdout, _ io.Writer, _ []string) error {
			profilePath, _ := flags.GetString("profile")

			profile, err := loadProfile(cfg, profilePath)
			if err != nil {
				return err
			}

			profile.Limits = cfg.Limits.sandboxLimits().Merge(profile.Limits)

			data, err := sandbox.MarshalProfile(profile)
			if err != nil {
				return err
			}

			_, err = stdout.Write(data)

			return err
		},
	}
}
