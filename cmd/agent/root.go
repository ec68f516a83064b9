package main

import (
	"github.com/Hara602/blockTracker/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "blocktracker",
	Short: "Block device change tracker",
	Long: `blocktracker intercepts writes to selected block devices and streams every
change (device, time, sector, size, data) to a remote collector over TCP.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (yaml)")
	rootCmd.PersistentFlags().String("socket", config.Default().Control.Socket, "control socket path")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("control.socket", rootCmd.PersistentFlags().Lookup("socket"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("blocktracker")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/blocktracker")
		viper.AddConfigPath(".")
	}
	// 配置文件可选
	_ = viper.ReadInConfig()
}
