package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"procodus.dev/iot-hub/internal/router"
	"procodus.dev/iot-hub/internal/server"
	"procodus.dev/iot-hub/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment
// variables prefixed with IOT_HUB_.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/iot-hub/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	setDefaults()

	viper.SetEnvPrefix("IOT_HUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// setDefaults covers the keys that have no flag.
func setDefaults() {
	filters := router.DefaultFilters()
	viper.SetDefault("mqtt.topics.sensor_data", filters.SensorData)
	viper.SetDefault("mqtt.topics.gateway_data", filters.GatewayData)
	viper.SetDefault("mqtt.topics.ota_response", filters.OTAResponse)

	prefixes := router.DefaultPrefixes()
	viper.SetDefault("router.prefixes.sensor_data", prefixes.SensorData)
	viper.SetDefault("router.prefixes.gateway_data", prefixes.GatewayData)
	viper.SetDefault("router.prefixes.ota_response", prefixes.OTAResponse)

	viper.SetDefault("dispatch.command_prefix", "CommandRequest")
	viper.SetDefault("dispatch.ota_prefix", "OTA")
	viper.SetDefault("auth.issuer", "iot-hub")
}

// GetLogger creates a slog.Logger based on configuration.
func GetLogger() *slog.Logger {
	return logger.FromStrings(viper.GetString("log.level"), viper.GetString("log.format"))
}

// storeConfig is the subset of server.Config that selects and opens a store.
func storeConfig(l *slog.Logger) *server.Config {
	return &server.Config{
		Logger:      l,
		StoreDriver: viper.GetString("store.driver"),
		DBHost:      viper.GetString("store.db.host"),
		DBPort:      viper.GetInt("store.db.port"),
		DBUser:      viper.GetString("store.db.user"),
		DBPassword:  viper.GetString("store.db.password"),
		DBName:      viper.GetString("store.db.name"),
		DBSSLMode:   viper.GetString("store.db.sslmode"),
	}
}

func filtersFromConfig() router.Filters {
	return router.Filters{
		SensorData:  viper.GetString("mqtt.topics.sensor_data"),
		GatewayData: viper.GetString("mqtt.topics.gateway_data"),
		OTAResponse: viper.GetString("mqtt.topics.ota_response"),
	}
}

func prefixesFromConfig() router.Prefixes {
	return router.Prefixes{
		SensorData:  viper.GetString("router.prefixes.sensor_data"),
		GatewayData: viper.GetString("router.prefixes.gateway_data"),
		OTAResponse: viper.GetString("router.prefixes.ota_response"),
	}
}
