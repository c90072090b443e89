package main

import "github.com/spf13/cobra"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bot",
	Short: "greetbot - scheduled greeting images for Telegram chats",
	Long: `greetbot sends quote greeting images on demand (/greet) and on a
recurring schedule set up in chat (/schedule).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
}
