package config

import (
	"fmt"

	"github.com/spf13/cobra"
)

// FromCobraCmd creates a DRConfig from the flags of a cobra command. The --config flag, when set,
// names the file to read; flags that were set override the file and the environment.
func FromCobraCmd(cmd *cobra.Command) (*DRConfig, error) {
	flags := cmd.Flags()

	var paths []string
	if f := flags.Lookup("config"); f != nil && f.Changed {
		fileLoc, err := flags.GetString("config")
		if err != nil {
			return nil, fmt.Errorf("could not get file location: %w", err)
		}
		paths = append(paths, fileLoc)
	}

	conf, err := Load(flags, paths...)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}
	return conf, nil
}
