package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maghams62/auto-mac/cmd/server"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "auto-mac",
	Short: "Personal automation agent kernel",
	Long: `auto-mac plans, validates, executes and verifies multi-step automations
from natural-language requests.

The kernel provides:
- LLM planning with validation and automatic plan repair
- Dependency-ordered parallel step execution
- Step verification and bounded correction cycles
- Per-session reasoning traces and replayable event history`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.personal-agent.yaml)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("llm-provider", "openai", "LLM provider (openai, anthropic)")
	rootCmd.PersistentFlags().String("llm-model", "", "LLM model id (provider default if empty)")
	rootCmd.PersistentFlags().Float64("llm-temperature", 0.2, "LLM temperature")

	viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("llm.provider", rootCmd.PersistentFlags().Lookup("llm-provider"))
	viper.BindPFlag("llm.model", rootCmd.PersistentFlags().Lookup("llm-model"))
	viper.BindPFlag("llm.temperature", rootCmd.PersistentFlags().Lookup("llm-temperature"))

	rootCmd.AddCommand(server.ServerCmd)
}

// initConfig loads .env, the yaml config file and matching env vars.
func initConfig() {
	if err := godotenv.Load(".env"); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			fmt.Fprintln(os.Stderr, "No .env file found, using system environment variables")
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".personal-agent")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
