package store

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/internal/store"
	"procodus.dev/iot-hub/internal/store/storetest"
)

var _ = storetest.DescribeContract("GormStore", func() store.Store {
	truncate()
	return gormStore
})

var _ = Describe("GormStore on PostgreSQL", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
		truncate()
	})

	It("should answer pings", func() {
		Expect(gormStore.Ping(ctx)).To(Succeed())
	})

	It("should keep free-form reading payloads as JSON", func() {
		gw := "GW-1"
		reading := &model.SensorReading{
			SourceID:   "AA:BB:CC:DD:EE:FF",
			SourceType: model.SourceNode,
			GatewayID:  &gw,
			Data: model.Document{
				"temperature": 21.5,
				"rssi":        -61.0,
				"tags":        []any{"a", "b"},
			},
			Timestamp: time.Now().UTC(),
		}
		Expect(gormStore.InsertReading(ctx, reading)).To(Succeed())

		readings, err := gormStore.RecentReadings(ctx, "AA:BB:CC:DD:EE:FF", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(readings).To(HaveLen(1))
		Expect(readings[0].Data).To(HaveKeyWithValue("temperature", 21.5))
		Expect(readings[0].Data).To(HaveKeyWithValue("tags", ConsistOf("a", "b")))
		Expect(readings[0].GatewayID).To(HaveValue(Equal("GW-1")))
	})

	It("should accept concurrent upserts of the same device", func() {
		now := time.Now().UTC()
		errs := make(chan error, 8)
		for range 8 {
			go func() {
				errs <- gormStore.CreateDevice(ctx, &model.Device{
					DeviceID: "ESP32-000001",
					Name:     "ESP32-000001",
					Status:   model.StatusActive,
					LastSeen: now,
				})
			}()
		}
		for range 8 {
			Expect(<-errs).NotTo(HaveOccurred())
		}

		devices, err := gormStore.ListDevices(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(devices).To(HaveLen(1))
	})
})
