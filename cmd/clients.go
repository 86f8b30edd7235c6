package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"procodus.dev/iot-hub/internal/server"
	"procodus.dev/iot-hub/internal/store"
	"procodus.dev/iot-hub/pkg/broker"
	"procodus.dev/iot-hub/pkg/logger"
	"procodus.dev/iot-hub/pkg/metrics"
)

// connectBroker dials the configured broker with a unique client id. The
// caller closes the client.
func connectBroker(ctx context.Context, l *slog.Logger, role string, m *metrics.BrokerMetrics) (*broker.Client, error) {
	client, err := broker.New(&broker.Config{
		Logger:   logger.Component(l, "broker"),
		Metrics:  m,
		URL:      viper.GetString("mqtt.url"),
		ClientID: fmt.Sprintf("iot-hub-%s-%s", role, uuid.NewString()[:8]),
		Username: viper.GetString("mqtt.username"),
		Password: viper.GetString("mqtt.password"),
		QoS:      byte(viper.GetUint("mqtt.qos")),
	})
	if err != nil {
		return nil, err
	}

	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// openStore opens the configured store. The caller closes it.
func openStore(l *slog.Logger) (store.Store, error) {
	st, err := server.OpenStore(storeConfig(l))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}
