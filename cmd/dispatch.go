package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/iot-hub/internal/dispatcher"
	"procodus.dev/iot-hub/internal/store"
	"procodus.dev/iot-hub/pkg/broker"
)

const dispatchTimeout = 15 * time.Second

var commandCmd = &cobra.Command{
	Use:   "command",
	Short: "Send commands to devices",
}

var commandSendCmd = &cobra.Command{
	Use:   "send <device-id> <command>",
	Short: "Publish a command to a device",
	Example: `  iot-hub command send ESP32-000123 reboot
  iot-hub command send ESP32-000123 set_interval --params '{"seconds":30}'`,
	Args: cobra.ExactArgs(2),
	RunE: runCommandSend,
}

var otaCmd = &cobra.Command{
	Use:   "ota",
	Short: "Manage over-the-air firmware updates",
}

var otaPushCmd = &cobra.Command{
	Use:     "push <device-id>",
	Short:   "Ask a device to install a firmware version",
	Example: `  iot-hub ota push ESP32-000123 --firmware-version 1.4.0 --firmware-url https://fw.example.com/1.4.0.bin`,
	Args:    cobra.ExactArgs(1),
	RunE:    runOTAPush,
}

func init() {
	rootCmd.AddCommand(commandCmd, otaCmd)
	commandCmd.AddCommand(commandSendCmd)
	otaCmd.AddCommand(otaPushCmd)

	commandSendCmd.Flags().String("params", "{}", "command parameters as a JSON object")

	otaPushCmd.Flags().String("firmware-version", "", "firmware version")
	otaPushCmd.Flags().String("firmware-url", "", "firmware download URL")
	_ = otaPushCmd.MarkFlagRequired("firmware-version")
	_ = otaPushCmd.MarkFlagRequired("firmware-url")
}

// withDispatcher connects the broker and store, runs fn and releases both.
func withDispatcher(logger *slog.Logger, fn func(ctx context.Context, d *dispatcher.Dispatcher) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	st, err := openStore(logger)
	if err != nil {
		return err
	}
	defer func(st store.Store) {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}(st)

	client, err := connectBroker(ctx, logger, "cli", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	defer func(c broker.ClientInterface) { _ = c.Close() }(client)

	d, err := dispatcher.New(&dispatcher.Config{
		Logger:        logger,
		Broker:        client,
		Store:         st,
		CommandPrefix: viper.GetString("dispatch.command_prefix"),
		OTAPrefix:     viper.GetString("dispatch.ota_prefix"),
	})
	if err != nil {
		return err
	}
	return fn(ctx, d)
}

func runCommandSend(cmd *cobra.Command, args []string) error {
	logger := GetLogger()
	deviceID, command := args[0], args[1]

	raw, _ := cmd.Flags().GetString("params")
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return fmt.Errorf("params must be a JSON object: %w", err)
	}

	return withDispatcher(logger, func(ctx context.Context, d *dispatcher.Dispatcher) error {
		if err := d.SendCommand(ctx, deviceID, command, params); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "command %q sent to %s on %s\n", command, deviceID, d.CommandTopic(deviceID))
		return nil
	})
}

func runOTAPush(cmd *cobra.Command, args []string) error {
	logger := GetLogger()
	deviceID := args[0]
	version, _ := cmd.Flags().GetString("firmware-version")
	url, _ := cmd.Flags().GetString("firmware-url")

	return withDispatcher(logger, func(ctx context.Context, d *dispatcher.Dispatcher) error {
		update, err := d.SendOTAUpdate(ctx, deviceID, version, url)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "OTA update %d to %s sent to %s (status %s)\n",
			update.ID, update.FirmwareVersion, deviceID, update.Status)
		return nil
	})
}
