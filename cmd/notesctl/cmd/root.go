package cmd

import (
	"fmt"
	"os"
	"time"

	"research-notes-api/internal/controlclient"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	client  *controlclient.Client
)

const (
	serverKey  = "server"
	timeoutKey = "timeout"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "notesctl",
	Short: "Inspect and message a running research notes hub.",
	Long: `notesctl talks to the hub's HTTP control surface. It lists connected
clients and groups, and pushes server messages to a client or a group.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		server := viper.GetString(serverKey)
		if server == "" {
			return fmt.Errorf("no server address configured")
		}
		client = controlclient.New(server, viper.GetDuration(timeoutKey))
		return nil
	},
}

// Execute is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.notesctl.yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8008", "Base URL of the hub")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "Request timeout")

	_ = viper.BindPFlag(serverKey, rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag(timeoutKey, rootCmd.PersistentFlags().Lookup("timeout"))
	viper.SetDefault(serverKey, "http://localhost:8008")
	viper.SetDefault(timeoutKey, 10*time.Second)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".notesctl")
	}

	// NOTESCTL_SERVER, NOTESCTL_TIMEOUT
	viper.SetEnvPrefix("notesctl")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}
}
