package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/riptide-dl/riptide/internal/config"
)

var (
	cfgFile  string
	settings config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "riptide",
	Short: "a concurrent media download engine",
	Long:  `riptide downloads direct media files and HLS streams with segmented transfers, resume and rate limiting.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		settings, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		_, err = config.InitLogger(settings.Logging)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: riptide.yaml in the user config dir)")
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(versionCmd)
}

var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the riptide version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("riptide", version)
	},
}
