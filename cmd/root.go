// Package main provides the iot-hub command line.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "iot-hub",
		Short: "IoT telemetry hub",
		Long: `An IoT telemetry hub that:
- ingests device and BLE gateway telemetry from an MQTT broker
- persists readings and auto-registers new sources
- streams live events to websocket dashboards
- dispatches commands and OTA updates to devices`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/iot-hub/config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")

	// Store and broker settings are shared by every command that talks to them.
	flags.String("store-driver", "postgres", "store driver (postgres, memory)")
	flags.String("db-host", "localhost", "PostgreSQL host")
	flags.Int("db-port", 5432, "PostgreSQL port")
	flags.String("db-user", "postgres", "PostgreSQL user")
	flags.String("db-password", "", "PostgreSQL password")
	flags.String("db-name", "iot_hub", "PostgreSQL database name")
	flags.String("db-sslmode", "disable", "PostgreSQL SSL mode")
	flags.String("mqtt-url", "tcp://localhost:1883", "MQTT broker URL")
	flags.String("mqtt-username", "", "MQTT username")
	flags.String("mqtt-password", "", "MQTT password")
	flags.Uint8("mqtt-qos", 1, "MQTT QoS for subscriptions and publishes")

	bindings := map[string]string{
		"log.level":         "log-level",
		"log.format":        "log-format",
		"store.driver":      "store-driver",
		"store.db.host":     "db-host",
		"store.db.port":     "db-port",
		"store.db.user":     "db-user",
		"store.db.password": "db-password",
		"store.db.name":     "db-name",
		"store.db.sslmode":  "db-sslmode",
		"mqtt.url":          "mqtt-url",
		"mqtt.username":     "mqtt-username",
		"mqtt.password":     "mqtt-password",
		"mqtt.qos":          "mqtt-qos",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			log.Fatalf("failed to bind %s flag: %v", flag, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if err := InitConfig(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}
