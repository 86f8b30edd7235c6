package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-hub/internal/dispatcher"
	"procodus.dev/iot-hub/internal/hub"
	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/internal/simulator"
	"procodus.dev/iot-hub/internal/store"
)

func publishJSON(topic string, payload map[string]any) {
	GinkgoHelper()
	body, err := json.Marshal(payload)
	Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	Expect(publisher.Publish(ctx, topic, body)).To(Succeed())
}

var _ = Describe("Hub pipeline", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("health", func() {
		It("should report a healthy hub with a reachable store", func() {
			report, err := fetchHealth()
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Status).To(Equal("healthy"))
			Expect(report.MQTTConnected).To(BeTrue())
			Expect(report.StoreReachable).To(BeTrue())
		})

		It("should reject writes to the health endpoint", func() {
			resp, err := httpClient.Post(httpURL("/health"), "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Describe("dashboard authentication", func() {
		It("should close connections without a token", func() {
			ws, err := dialHub("")
			Expect(err).NotTo(HaveOccurred())
			defer ws.Close()

			_, _, err = ws.ReadMessage()
			var closeErr *websocket.CloseError
			Expect(errors.As(err, &closeErr)).To(BeTrue())
			Expect(closeErr.Code).To(Equal(websocket.ClosePolicyViolation))
			Expect(closeErr.Text).To(Equal(hub.ReasonAuthRequired))
		})

		It("should close connections with a forged token", func() {
			ws, err := dialHub("not-a-jwt")
			Expect(err).NotTo(HaveOccurred())
			defer ws.Close()

			_, _, err = ws.ReadMessage()
			var closeErr *websocket.CloseError
			Expect(errors.As(err, &closeErr)).To(BeTrue())
			Expect(closeErr.Text).To(Equal(hub.ReasonInvalidToken))
		})
	})

	Describe("device data", func() {
		It("should register the device and fan the reading out", func() {
			deviceID := "ESP32-" + uuid.NewString()[:6]
			ws := dashboard(hub.ChannelSensorData, hub.ChannelDevices)

			publishJSON("SensorData/"+deviceID, map[string]any{
				"device_id":   deviceID,
				"temperature": 22.5,
				"humidity":    48.0,
			})

			status := nextMatching(ws, func(e wireEvent) bool {
				return e.Type == hub.TypeDeviceStatus && e.DeviceID == deviceID
			})
			Expect(status.Status).To(Equal(string(model.StatusActive)))

			reading := nextMatching(ws, func(e wireEvent) bool {
				return e.Type == hub.TypeSensorData && e.SourceID == deviceID
			})
			Expect(reading.Channel).To(Equal(hub.ChannelSensorData))
			Expect(reading.SourceType).To(Equal(string(model.SourceDevice)))
			Expect(reading.Data).To(HaveKeyWithValue("temperature", 22.5))
			Expect(reading.Data).NotTo(HaveKey("device_id"))

			Eventually(func() ([]model.SensorReading, error) {
				return db.RecentReadings(ctx, deviceID, 10)
			}).Should(HaveLen(1))

			device, err := db.GetDevice(ctx, deviceID)
			Expect(err).NotTo(HaveOccurred())
			Expect(device.Status).To(Equal(model.StatusActive))
		})

		It("should forward audit entries to log subscribers", func() {
			deviceID := "ESP32-" + uuid.NewString()[:6]
			ws := dashboard(hub.ChannelLogs)

			publishJSON("SensorData/"+deviceID, map[string]any{"device_id": deviceID, "temperature": 19.0})

			entry := nextEvent(ws, hub.TypeSystemLog)
			Expect(entry.Channel).To(Equal(hub.ChannelLogs))
			Expect(entry.Log).To(HaveKey("message"))
		})
	})

	Describe("gateway data", func() {
		It("should register the gateway and node and keep only known measurements", func() {
			gatewayID := "GW-" + uuid.NewString()[:4]
			mac := "AA:BB:CC:00:11:22"
			ws := dashboard(hub.ChannelSensorData, hub.ChannelGateways)

			publishJSON("BLEGatewayData/"+gatewayID, map[string]any{
				"gateway_id":  gatewayID,
				"mac":         mac,
				"beacon_name": "brave-otter",
				"temperature": 20.25,
				"rssi":        -70.0,
				"firmware":    "ignored",
			})

			Expect(nextMatching(ws, func(e wireEvent) bool {
				return e.Type == hub.TypeGatewayStatus && e.GatewayID == gatewayID
			}).Status).To(Equal(string(model.StatusOnline)))

			reading := nextMatching(ws, func(e wireEvent) bool {
				return e.Type == hub.TypeSensorData && e.GatewayID == gatewayID
			})
			Expect(reading.SourceID).To(Equal(mac))
			Expect(reading.SourceType).To(Equal(string(model.SourceNode)))
			Expect(reading.Data).To(HaveKeyWithValue("temperature", 20.25))
			Expect(reading.Data).NotTo(HaveKey("firmware"))

			Eventually(func() (int64, error) {
				return db.CountNodes(ctx, gatewayID)
			}).Should(BeEquivalentTo(1))
		})
	})

	Describe("OTA round trip", func() {
		It("should resolve the pending update when the simulated device answers", func() {
			deviceClient := connectClient("simulator")
			DeferCleanup(deviceClient.Close)

			sim, err := simulator.New(&simulator.Config{
				Logger:   testLogger,
				Broker:   deviceClient,
				Devices:  1,
				Interval: time.Second,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(sim.Start(ctx)).To(Succeed())
			DeferCleanup(sim.Stop)

			deviceID := sim.DeviceIDs()[0]
			Eventually(func() error {
				_, err := db.GetDevice(ctx, deviceID)
				return err
			}).WithTimeout(15 * time.Second).Should(Succeed())

			ws := dashboard(hub.ChannelOTA)

			d, err := dispatcher.New(&dispatcher.Config{
				Logger: testLogger,
				Broker: publisher,
				Store:  db,
			})
			Expect(err).NotTo(HaveOccurred())

			update, err := d.SendOTAUpdate(ctx, deviceID, "9.9.9", fmt.Sprintf("https://fw.example/%s.bin", deviceID))
			Expect(err).NotTo(HaveOccurred())
			Expect(update.Status).To(Equal(model.OTAPending))

			event := nextMatching(ws, func(e wireEvent) bool {
				return e.Type == hub.TypeOTAUpdate && e.DeviceID == deviceID
			})
			Expect(event.Status).To(Equal(string(model.OTASuccess)))

			Eventually(func() (model.OTAStatus, error) {
				updates, err := db.ListOTAUpdates(ctx, deviceID)
				if err != nil || len(updates) == 0 {
					return "", err
				}
				return updates[0].Status, nil
			}).Should(Equal(model.OTASuccess))

			device, err := db.GetDevice(ctx, deviceID)
			Expect(err).NotTo(HaveOccurred())
			Expect(device.FirmwareVersion).To(Equal("9.9.9"))

			firmware, ok := sim.Firmware(deviceID)
			Expect(ok).To(BeTrue())
			Expect(firmware).To(Equal("9.9.9"))
		})

		It("should refuse an update without firmware details", func() {
			d, err := dispatcher.New(&dispatcher.Config{
				Logger: testLogger,
				Broker: publisher,
				Store:  db,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = d.SendOTAUpdate(ctx, "ESP32-000000", "", "")
			Expect(err).To(MatchError(dispatcher.ErrMissingFirmware))

			_, err = db.GetDevice(ctx, "ESP32-000000")
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})
})
