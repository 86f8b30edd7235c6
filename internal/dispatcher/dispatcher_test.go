package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-hub/internal/dispatcher"
	"procodus.dev/iot-hub/internal/hub"
	"procodus.dev/iot-hub/internal/hub/hubtest"
	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/internal/router"
	"procodus.dev/iot-hub/internal/store"
	"procodus.dev/iot-hub/pkg/broker/mock"
	"procodus.dev/iot-hub/pkg/clock"
)

var _ = Describe("Dispatcher", func() {
	var (
		ctx    context.Context
		logger *slog.Logger
		client *mock.MockClient
		mem    *store.MemoryStore
		events *hubtest.Recorder
		fake   *clock.FakeClock
		d      *dispatcher.Dispatcher
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		client = mock.NewMockClient()
		mem = store.NewMemoryStore()
		events = &hubtest.Recorder{}
		fake = clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

		var err error
		d, err = dispatcher.New(&dispatcher.Config{
			Logger: logger,
			Broker: client,
			Store:  mem,
			Hub:    events,
			Clock:  fake,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("New", func() {
		It("should reject a nil config", func() {
			_, err := dispatcher.New(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})

		It("should require a logger, broker and store", func() {
			_, err := dispatcher.New(&dispatcher.Config{Broker: client, Store: mem})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))

			_, err = dispatcher.New(&dispatcher.Config{Logger: logger, Store: mem})
			Expect(err).To(MatchError(ContainSubstring("broker cannot be nil")))

			_, err = dispatcher.New(&dispatcher.Config{Logger: logger, Broker: client})
			Expect(err).To(MatchError(ContainSubstring("store cannot be nil")))
		})

		It("should honour custom prefixes", func() {
			custom, err := dispatcher.New(&dispatcher.Config{
				Logger:        logger,
				Broker:        client,
				Store:         mem,
				CommandPrefix: "cmd",
				OTAPrefix:     "fw",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(custom.CommandTopic("dev-1")).To(Equal("cmd/dev-1"))
			Expect(custom.OTATopic("dev-1")).To(Equal("fw/dev-1/update"))
		})
	})

	Describe("SendCommand", func() {
		It("should publish the command body to the device topic", func() {
			params := map[string]any{"interval": float64(30)}
			Expect(d.SendCommand(ctx, "dev-1", "set_interval", params)).To(Succeed())

			published := client.Published()
			Expect(published).To(HaveLen(1))
			Expect(published[0].Topic).To(Equal("CommandRequest/dev-1"))

			var body map[string]any
			Expect(json.Unmarshal(published[0].Payload, &body)).To(Succeed())
			Expect(body).To(HaveKeyWithValue("device_id", "dev-1"))
			Expect(body).To(HaveKeyWithValue("command", "set_interval"))
			Expect(body).To(HaveKeyWithValue("params", HaveKeyWithValue("interval", float64(30))))
			Expect(body).To(HaveKeyWithValue("timestamp", "2026-03-01T12:00:00Z"))
		})

		It("should send an empty params object when none are given", func() {
			Expect(d.SendCommand(ctx, "dev-1", "reboot", nil)).To(Succeed())

			var body map[string]any
			Expect(json.Unmarshal(client.Published()[0].Payload, &body)).To(Succeed())
			Expect(body["params"]).To(Equal(map[string]any{}))
		})

		It("should record a command log and announce it", func() {
			Expect(d.SendCommand(ctx, "dev-1", "reboot", nil)).To(Succeed())

			logs, err := mem.RecentLogs(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(logs).To(HaveLen(1))
			Expect(logs[0].Category).To(Equal(model.CategoryCommand))
			Expect(logs[0].Level).To(Equal(model.LevelInfo))
			Expect(logs[0].Message).To(Equal("Command sent to dev-1: reboot"))
			Expect(logs[0].SourceID).To(Equal("dev-1"))

			Expect(events.Types()).To(ConsistOf(hub.TypeSystemLog))
		})

		It("should return ErrNotConnected without publishing or logging", func() {
			client.SetConnected(false)

			err := d.SendCommand(ctx, "dev-1", "reboot", nil)
			Expect(err).To(MatchError(dispatcher.ErrNotConnected))
			Expect(client.Published()).To(BeEmpty())

			logs, _ := mem.RecentLogs(ctx, 10)
			Expect(logs).To(BeEmpty())
			Expect(events.Calls()).To(BeEmpty())
		})

		DescribeTable("should reject device ids that cannot form a topic level",
			func(id string) {
				err := d.SendCommand(ctx, id, "reboot", nil)
				Expect(err).To(MatchError(dispatcher.ErrInvalidDeviceID))
				Expect(client.Published()).To(BeEmpty())
			},
			Entry("empty", ""),
			Entry("single-level wildcard", "dev+"),
			Entry("multi-level wildcard", "dev#"),
			Entry("level separator", "a/b"),
		)

		It("should reject an empty command", func() {
			Expect(d.SendCommand(ctx, "dev-1", "", nil)).To(MatchError(dispatcher.ErrEmptyCommand))
		})

		It("should wrap broker failures", func() {
			client.PublishError = errors.New("timeout")

			err := d.SendCommand(ctx, "dev-1", "reboot", nil)
			Expect(err).To(MatchError(ContainSubstring("failed to publish to CommandRequest/dev-1")))
			logs, _ := mem.RecentLogs(ctx, 10)
			Expect(logs).To(BeEmpty())
		})
	})

	Describe("SendOTAUpdate", func() {
		It("should publish the update request", func() {
			_, err := d.SendOTAUpdate(ctx, "dev-1", "1.2.0", "https://fw.example/1.2.0.bin")
			Expect(err).NotTo(HaveOccurred())

			published := client.Published()
			Expect(published).To(HaveLen(1))
			Expect(published[0].Topic).To(Equal("OTA/dev-1/update"))

			var body map[string]any
			Expect(json.Unmarshal(published[0].Payload, &body)).To(Succeed())
			Expect(body).To(HaveKeyWithValue("device_id", "dev-1"))
			Expect(body).To(HaveKeyWithValue("firmware_version", "1.2.0"))
			Expect(body).To(HaveKeyWithValue("firmware_url", "https://fw.example/1.2.0.bin"))
			Expect(body).To(HaveKey("timestamp"))
		})

		It("should create a pending history row", func() {
			update, err := d.SendOTAUpdate(ctx, "dev-1", "1.2.0", "https://fw.example/1.2.0.bin")
			Expect(err).NotTo(HaveOccurred())
			Expect(update.Status).To(Equal(model.OTAPending))

			history, err := mem.ListOTAUpdates(ctx, "dev-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(1))
			Expect(history[0].FirmwareVersion).To(Equal("1.2.0"))
			Expect(history[0].Status).To(Equal(model.OTAPending))
			Expect(history[0].CompletedAt).To(BeNil())
		})

		It("should log and broadcast the pending update", func() {
			_, err := d.SendOTAUpdate(ctx, "dev-1", "1.2.0", "https://fw.example/1.2.0.bin")
			Expect(err).NotTo(HaveOccurred())

			logs, _ := mem.RecentLogs(ctx, 10)
			Expect(logs).To(HaveLen(1))
			Expect(logs[0].Category).To(Equal(model.CategoryOTA))
			Expect(logs[0].Message).To(Equal("OTA update command sent to dev-1"))

			ota := events.OfType(hub.TypeOTAUpdate)
			Expect(ota).To(HaveLen(1))
			Expect(ota[0].Channel).To(Equal(hub.ChannelOTA))
			Expect(ota[0].Event.DeviceID).To(Equal("dev-1"))
			Expect(ota[0].Event.Status).To(Equal(string(model.OTAPending)))
		})

		It("should require a version and url", func() {
			_, err := d.SendOTAUpdate(ctx, "dev-1", "", "https://fw.example/x.bin")
			Expect(err).To(MatchError(dispatcher.ErrMissingFirmware))
			_, err = d.SendOTAUpdate(ctx, "dev-1", "1.0.0", "")
			Expect(err).To(MatchError(dispatcher.ErrMissingFirmware))
			Expect(client.Published()).To(BeEmpty())
		})

		It("should not touch the history when disconnected", func() {
			client.SetConnected(false)

			_, err := d.SendOTAUpdate(ctx, "dev-1", "1.2.0", "https://fw.example/1.2.0.bin")
			Expect(err).To(MatchError(dispatcher.ErrNotConnected))

			history, _ := mem.ListOTAUpdates(ctx, "dev-1")
			Expect(history).To(BeEmpty())
			Expect(events.Calls()).To(BeEmpty())
		})

		It("should mark the row failed when the publish fails", func() {
			client.PublishError = errors.New("broker refused")

			_, err := d.SendOTAUpdate(ctx, "dev-1", "1.2.0", "https://fw.example/1.2.0.bin")
			Expect(err).To(HaveOccurred())

			history, _ := mem.ListOTAUpdates(ctx, "dev-1")
			Expect(history).To(HaveLen(1))
			Expect(history[0].Status).To(Equal(model.OTAFailed))
			Expect(history[0].Error).To(ContainSubstring("broker refused"))
			Expect(events.OfType(hub.TypeOTAUpdate)).To(BeEmpty())
		})

		It("should be resolved by the device response", func() {
			r, err := router.New(&router.Config{Logger: logger, Store: mem, Hub: events, Clock: fake})
			Expect(err).NotTo(HaveOccurred())
			Expect(mem.CreateDevice(ctx, &model.Device{
				DeviceID: "dev-1", Name: "dev-1", Status: model.StatusActive, LastSeen: fake.Now(),
			})).To(Succeed())

			_, err = d.SendOTAUpdate(ctx, "dev-1", "1.2.0", "https://fw.example/1.2.0.bin")
			Expect(err).NotTo(HaveOccurred())

			fake.Advance(30 * time.Second)
			r.Handle(ctx, "OTA/dev-1/response", []byte(`{"device_id":"dev-1","status":"success","firmware_version":"1.2.0"}`))

			history, _ := mem.ListOTAUpdates(ctx, "dev-1")
			Expect(history).To(HaveLen(1))
			Expect(history[0].Status).To(Equal(model.OTASuccess))
			Expect(history[0].CompletedAt).NotTo(BeNil())

			device, err := mem.GetDevice(ctx, "dev-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(device.FirmwareVersion).To(Equal("1.2.0"))
		})
	})
})
