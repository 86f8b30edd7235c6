package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/iot-hub/internal/server"
	"procodus.dev/iot-hub/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub server",
	Long: `Run the hub server that:
- Subscribes to device, gateway and OTA response topics
- Persists readings and auto-registers devices, gateways and nodes
- Streams events to authenticated websocket clients on /ws
- Marks silent devices and gateways offline
- Optionally relays readings to RabbitMQ
- Serves /health, /metrics and gRPC health checks`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("client-id", "", "MQTT client id (default iot-hub-<random>)")
	serveCmd.Flags().Int("http-port", 3000, "HTTP port for /ws, /health and /metrics")
	serveCmd.Flags().Int("grpc-port", 9090, "gRPC health server port")
	serveCmd.Flags().String("jwt-secret", "", "HMAC secret for dashboard tokens")
	serveCmd.Flags().String("relay-url", "", "RabbitMQ URL for the reading relay (disabled when empty)")
	serveCmd.Flags().String("relay-queue", "sensor-readings", "RabbitMQ queue for relayed readings")

	_ = viper.BindPFlag("mqtt.client_id", serveCmd.Flags().Lookup("client-id"))
	_ = viper.BindPFlag("http.port", serveCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("grpc.port", serveCmd.Flags().Lookup("grpc-port"))
	_ = viper.BindPFlag("auth.jwt_secret", serveCmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("relay.url", serveCmd.Flags().Lookup("relay-url"))
	_ = viper.BindPFlag("relay.queue", serveCmd.Flags().Lookup("relay-queue"))
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting hub service")

	clientID := viper.GetString("mqtt.client_id")
	if clientID == "" {
		clientID = "iot-hub-" + uuid.NewString()[:8]
	}

	config := storeConfig(logger)
	config.Metrics = metrics.NewSet(metrics.Namespace)
	config.MQTTURL = viper.GetString("mqtt.url")
	config.MQTTClientID = clientID
	config.MQTTUsername = viper.GetString("mqtt.username")
	config.MQTTPassword = viper.GetString("mqtt.password")
	config.MQTTQoS = byte(viper.GetUint("mqtt.qos"))
	config.Filters = filtersFromConfig()
	config.Prefixes = prefixesFromConfig()
	config.JWTSecret = viper.GetString("auth.jwt_secret")
	config.JWTIssuer = viper.GetString("auth.issuer")
	config.RelayURL = viper.GetString("relay.url")
	config.RelayQueue = viper.GetString("relay.queue")
	config.HTTPPort = viper.GetInt("http.port")
	config.GRPCPort = viper.GetInt("grpc.port")

	srv, err := server.NewServer(config)
	if err != nil {
		logger.Error("failed to create hub server", "error", err)
		return err
	}

	logger.Info("hub server configuration",
		"store_driver", config.StoreDriver,
		"db_host", config.DBHost,
		"db_name", config.DBName,
		"mqtt_url", config.MQTTURL,
		"mqtt_client_id", config.MQTTClientID,
		"filters", config.Filters.All(),
		"relay_enabled", config.RelayURL != "",
		"http_port", config.HTTPPort,
		"grpc_port", config.GRPCPort,
	)

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("hub server error", "error", err)
		return err
	}

	logger.Info("hub server stopped")
	return nil
}
