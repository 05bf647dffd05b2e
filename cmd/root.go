package cmd

import (
	"fmt"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smarthome-bridges/haier-evo/internal/pkg/logging"
)

var (
	_cfgFile string
	_debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "haier-evo",
	Short: "Bridge to the Haier Evo cloud for smart fridges",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _debug {
			logrus.SetLevel(logrus.DebugLevel)
		}

		return logging.Configure(viper.GetViper())
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&_cfgFile, "config", "", "config file (default is $HOME/.haier-evo.yaml)")
	rootCmd.PersistentFlags().BoolVar(&_debug, "debug", false, "enable debug logging")
}

func initConfig() {
	if _cfgFile != "" {
		viper.SetConfigFile(_cfgFile)
	} else {
		home, err := homedir.Dir()
		errPanic(err)

		viper.AddConfigPath(home)
		viper.SetConfigName(".haier-evo")
	}

	viper.SetEnvPrefix("HAIER_EVO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}
