package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/iot-hub/internal/simulator"
	"procodus.dev/iot-hub/pkg/metrics"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated device fleet",
	Long: `Run a simulated fleet that:
- Publishes SensorData/<device> readings for direct devices
- Publishes BLEGatewayData/<gateway> readings for every beacon node
- Answers OTA/<device>/update requests on OTA/<device>/response`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().Int("devices", 5, "number of direct devices")
	simulateCmd.Flags().Int("gateways", 2, "number of BLE gateways")
	simulateCmd.Flags().Int("nodes", 4, "beacon nodes per gateway")
	simulateCmd.Flags().Duration("interval", 5*time.Second, "interval between telemetry rounds")
	simulateCmd.Flags().Int("metrics-port", 0, "port for /metrics (disabled when 0)")

	_ = viper.BindPFlag("simulator.devices", simulateCmd.Flags().Lookup("devices"))
	_ = viper.BindPFlag("simulator.gateways", simulateCmd.Flags().Lookup("gateways"))
	_ = viper.BindPFlag("simulator.nodes", simulateCmd.Flags().Lookup("nodes"))
	_ = viper.BindPFlag("simulator.interval", simulateCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("simulator.metrics_port", simulateCmd.Flags().Lookup("metrics-port"))
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := connectBroker(ctx, logger, "simulator", metrics.NewBrokerMetrics(metrics.Namespace))
	if err != nil {
		logger.Error("failed to connect to MQTT broker", "error", err)
		return err
	}
	defer func() { _ = client.Close() }()

	sim, err := simulator.New(&simulator.Config{
		Logger:          logger,
		Broker:          client,
		Metrics:         metrics.NewSimulatorMetrics(metrics.Namespace),
		Devices:         viper.GetInt("simulator.devices"),
		Gateways:        viper.GetInt("simulator.gateways"),
		NodesPerGateway: viper.GetInt("simulator.nodes"),
		Interval:        viper.GetDuration("simulator.interval"),
		SensorPrefix:    viper.GetString("router.prefixes.sensor_data"),
		GatewayPrefix:   viper.GetString("router.prefixes.gateway_data"),
		OTAPrefix:       viper.GetString("dispatch.ota_prefix"),
	})
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	if port := viper.GetInt("simulator.metrics_port"); port > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	logger.Info("simulator configuration",
		"devices", sim.DeviceIDs(),
		"gateways", sim.GatewayIDs(),
		"interval", viper.GetDuration("simulator.interval"),
	)

	if err := sim.Run(ctx); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}
