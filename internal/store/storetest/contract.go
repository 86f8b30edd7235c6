// Package storetest holds the behavioural specs every store.Store must
// satisfy. Suites call DescribeContract with a constructor for the
// implementation under test.
package storetest

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/internal/store"
)

// DescribeContract registers the Store contract specs. newStore is called
// before every spec and must return an empty store.
func DescribeContract(name string, newStore func() store.Store) bool {
	return Describe(name+" contract", func() {
		var (
			ctx context.Context
			s   store.Store
			t0  time.Time
		)

		BeforeEach(func() {
			ctx = context.Background()
			s = newStore()
			t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		})

		Describe("devices", func() {
			It("should report ErrNotFound for unknown devices", func() {
				_, err := s.GetDevice(ctx, "missing")
				Expect(err).To(MatchError(store.ErrNotFound))
				Expect(s.TouchDevice(ctx, "missing", t0)).To(MatchError(store.ErrNotFound))
			})

			It("should upsert instead of failing on a duplicate identity", func() {
				Expect(s.CreateDevice(ctx, &model.Device{DeviceID: "D1", Name: "D1", Status: model.StatusActive, LastSeen: t0})).To(Succeed())
				Expect(s.CreateDevice(ctx, &model.Device{DeviceID: "D1", Name: "other", Status: model.StatusActive, LastSeen: t0.Add(time.Minute)})).To(Succeed())

				devices, err := s.ListDevices(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(devices).To(HaveLen(1))
				Expect(devices[0].Name).To(Equal("D1"))
				Expect(devices[0].LastSeen).To(BeTemporally("==", t0.Add(time.Minute)))
			})

			It("should never move last_seen backwards", func() {
				Expect(s.CreateDevice(ctx, &model.Device{DeviceID: "D1", Name: "D1", Status: model.StatusActive, LastSeen: t0})).To(Succeed())
				Expect(s.TouchDevice(ctx, "D1", t0.Add(-time.Hour))).To(Succeed())

				d, err := s.GetDevice(ctx, "D1")
				Expect(err).NotTo(HaveOccurred())
				Expect(d.LastSeen).To(BeTemporally("==", t0))
			})

			It("should reactivate on touch", func() {
				Expect(s.CreateDevice(ctx, &model.Device{DeviceID: "D1", Name: "D1", Status: model.StatusOffline, LastSeen: t0})).To(Succeed())
				Expect(s.TouchDevice(ctx, "D1", t0.Add(time.Second))).To(Succeed())

				d, err := s.GetDevice(ctx, "D1")
				Expect(err).NotTo(HaveOccurred())
				Expect(d.Status).To(Equal(model.StatusActive))
				Expect(d.LastSeen).To(BeTemporally("==", t0.Add(time.Second)))
			})

			It("should only demote live devices seen before the cutoff", func() {
				Expect(s.CreateDevice(ctx, &model.Device{DeviceID: "stale", Name: "stale", Status: model.StatusActive, LastSeen: t0})).To(Succeed())
				Expect(s.CreateDevice(ctx, &model.Device{DeviceID: "fresh", Name: "fresh", Status: model.StatusActive, LastSeen: t0.Add(time.Hour)})).To(Succeed())

				cutoff := t0.Add(time.Minute)
				demoted, err := s.MarkDeviceOffline(ctx, "stale", cutoff)
				Expect(err).NotTo(HaveOccurred())
				Expect(demoted).To(BeTrue())

				demoted, err = s.MarkDeviceOffline(ctx, "stale", cutoff)
				Expect(err).NotTo(HaveOccurred())
				Expect(demoted).To(BeFalse())

				demoted, err = s.MarkDeviceOffline(ctx, "fresh", cutoff)
				Expect(err).NotTo(HaveOccurred())
				Expect(demoted).To(BeFalse())

				d, err := s.GetDevice(ctx, "stale")
				Expect(err).NotTo(HaveOccurred())
				Expect(d.Status).To(Equal(model.StatusOffline))
			})

			It("should record firmware versions", func() {
				Expect(s.CreateDevice(ctx, &model.Device{DeviceID: "D1", Name: "D1", Status: model.StatusActive, LastSeen: t0})).To(Succeed())
				Expect(s.SetDeviceFirmware(ctx, "D1", "2.0.0")).To(Succeed())
				Expect(s.SetDeviceFirmware(ctx, "missing", "2.0.0")).To(MatchError(store.ErrNotFound))

				d, err := s.GetDevice(ctx, "D1")
				Expect(err).NotTo(HaveOccurred())
				Expect(d.FirmwareVersion).To(Equal("2.0.0"))
			})
		})

		Describe("gateways and nodes", func() {
			BeforeEach(func() {
				Expect(s.CreateGateway(ctx, &model.Gateway{GatewayID: "GW1", Name: "GW1", Status: model.StatusActive, LastSeen: t0})).To(Succeed())
				Expect(s.CreateGateway(ctx, &model.Gateway{GatewayID: "GW2", Name: "GW2", Status: model.StatusActive, LastSeen: t0})).To(Succeed())
			})

			It("should scope nodes to their gateway", func() {
				mac := "AA:BB:CC:DD:EE:FF"
				Expect(s.CreateNode(ctx, &model.Node{MAC: mac, GatewayID: "GW1", Name: mac, RSSI: -60, LastSeen: t0})).To(Succeed())
				Expect(s.CreateNode(ctx, &model.Node{MAC: mac, GatewayID: "GW2", Name: mac, RSSI: -70, LastSeen: t0})).To(Succeed())
				Expect(s.CreateNode(ctx, &model.Node{MAC: mac, GatewayID: "GW1", Name: mac, RSSI: -50, LastSeen: t0})).To(Succeed())

				nodes, err := s.ListNodes(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(nodes).To(HaveLen(2))

				count, err := s.CountNodes(ctx, "GW1")
				Expect(err).NotTo(HaveOccurred())
				Expect(count).To(BeEquivalentTo(1))

				n, err := s.GetNode(ctx, mac, "GW2")
				Expect(err).NotTo(HaveOccurred())
				Expect(n.RSSI).To(Equal(-70.0))
			})

			It("should keep the previous rssi when none is given", func() {
				Expect(s.CreateNode(ctx, &model.Node{MAC: "M1", GatewayID: "GW1", Name: "beacon", RSSI: -61, LastSeen: t0})).To(Succeed())
				Expect(s.TouchNode(ctx, "M1", "GW1", nil, t0.Add(time.Minute))).To(Succeed())

				n, err := s.GetNode(ctx, "M1", "GW1")
				Expect(err).NotTo(HaveOccurred())
				Expect(n.RSSI).To(Equal(-61.0))
				Expect(n.LastSeen).To(BeTemporally("==", t0.Add(time.Minute)))

				rssi := -40.0
				Expect(s.TouchNode(ctx, "M1", "GW1", &rssi, t0.Add(2*time.Minute))).To(Succeed())
				n, err = s.GetNode(ctx, "M1", "GW1")
				Expect(err).NotTo(HaveOccurred())
				Expect(n.RSSI).To(Equal(-40.0))
			})

			It("should demote stale gateways once", func() {
				demoted, err := s.MarkGatewayOffline(ctx, "GW1", t0.Add(time.Second))
				Expect(err).NotTo(HaveOccurred())
				Expect(demoted).To(BeTrue())

				demoted, err = s.MarkGatewayOffline(ctx, "GW1", t0.Add(time.Second))
				Expect(err).NotTo(HaveOccurred())
				Expect(demoted).To(BeFalse())
			})
		})

		Describe("readings and logs", func() {
			It("should return readings most recent first", func() {
				for i := range 3 {
					Expect(s.InsertReading(ctx, &model.SensorReading{
						SourceID:   "D1",
						SourceType: model.SourceDevice,
						Data:       model.Document{"seq": float64(i)},
						Timestamp:  t0.Add(time.Duration(i) * time.Second),
					})).To(Succeed())
				}
				Expect(s.InsertReading(ctx, &model.SensorReading{
					SourceID: "D2", SourceType: model.SourceDevice, Data: model.Document{}, Timestamp: t0,
				})).To(Succeed())

				readings, err := s.RecentReadings(ctx, "D1", 2)
				Expect(err).NotTo(HaveOccurred())
				Expect(readings).To(HaveLen(2))
				seq, _ := readings[0].Data.Number("seq")
				Expect(seq).To(Equal(2.0))
				seq, _ = readings[1].Data.Number("seq")
				Expect(seq).To(Equal(1.0))
			})

			It("should keep the gateway of relayed readings", func() {
				gw := "GW1"
				Expect(s.InsertReading(ctx, &model.SensorReading{
					SourceID: "M1", SourceType: model.SourceNode, GatewayID: &gw,
					Data: model.Document{"temperature": 20.0}, Timestamp: t0,
				})).To(Succeed())

				readings, err := s.RecentReadings(ctx, "M1", 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(readings).To(HaveLen(1))
				Expect(readings[0].GatewayID).To(HaveValue(Equal("GW1")))
				Expect(readings[0].SourceType).To(Equal(model.SourceNode))
			})

			It("should append logs", func() {
				Expect(s.InsertLog(ctx, &model.SystemLog{Level: model.LevelInfo, Category: model.CategoryDevice, Message: "first", Timestamp: t0})).To(Succeed())
				Expect(s.InsertLog(ctx, &model.SystemLog{Level: model.LevelError, Category: model.CategoryMQTT, Message: "second", Timestamp: t0.Add(time.Second)})).To(Succeed())

				logs, err := s.RecentLogs(ctx, 10)
				Expect(err).NotTo(HaveOccurred())
				Expect(logs).To(HaveLen(2))
				Expect(logs[0].Message).To(Equal("second"))
			})
		})

		Describe("OTA history", func() {
			It("should resolve the pending update matching the version", func() {
				Expect(s.CreateOTAUpdate(ctx, &model.OTAUpdate{DeviceID: "D1", FirmwareVersion: "2.0.0", Status: model.OTAPending, CreatedAt: t0})).To(Succeed())
				Expect(s.CreateOTAUpdate(ctx, &model.OTAUpdate{DeviceID: "D1", FirmwareVersion: "3.0.0", Status: model.OTAPending, CreatedAt: t0.Add(time.Second)})).To(Succeed())

				ok, err := s.ResolveOTAUpdate(ctx, "D1", "2.0.0", model.OTASuccess, "", t0.Add(time.Minute))
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())

				updates, err := s.ListOTAUpdates(ctx, "D1")
				Expect(err).NotTo(HaveOccurred())
				Expect(updates).To(HaveLen(2))

				byVersion := map[string]model.OTAStatus{}
				for _, u := range updates {
					byVersion[u.FirmwareVersion] = u.Status
				}
				Expect(byVersion).To(HaveKeyWithValue("2.0.0", model.OTASuccess))
				Expect(byVersion).To(HaveKeyWithValue("3.0.0", model.OTAPending))
			})

			It("should leave updates for other versions pending", func() {
				Expect(s.CreateOTAUpdate(ctx, &model.OTAUpdate{DeviceID: "D1", FirmwareVersion: "2.0.0", Status: model.OTAPending, CreatedAt: t0})).To(Succeed())

				ok, err := s.ResolveOTAUpdate(ctx, "D1", "9.9.9", model.OTASuccess, "", t0.Add(time.Minute))
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeFalse())

				updates, err := s.ListOTAUpdates(ctx, "D1")
				Expect(err).NotTo(HaveOccurred())
				Expect(updates).To(HaveLen(1))
				Expect(updates[0].Status).To(Equal(model.OTAPending))
				Expect(updates[0].CompletedAt).To(BeNil())
			})

			It("should resolve the newest pending update when no version is reported", func() {
				Expect(s.CreateOTAUpdate(ctx, &model.OTAUpdate{DeviceID: "D1", FirmwareVersion: "2.0.0", Status: model.OTAPending, CreatedAt: t0})).To(Succeed())
				Expect(s.CreateOTAUpdate(ctx, &model.OTAUpdate{DeviceID: "D1", FirmwareVersion: "3.0.0", Status: model.OTAPending, CreatedAt: t0.Add(time.Second)})).To(Succeed())

				ok, err := s.ResolveOTAUpdate(ctx, "D1", "", model.OTAFailed, "timeout", t0.Add(time.Minute))
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())

				updates, err := s.ListOTAUpdates(ctx, "D1")
				Expect(err).NotTo(HaveOccurred())
				Expect(updates[0].FirmwareVersion).To(Equal("3.0.0"))
				Expect(updates[0].Status).To(Equal(model.OTAFailed))
				Expect(updates[0].Error).To(Equal("timeout"))
				Expect(updates[1].Status).To(Equal(model.OTAPending))
			})

			It("should report false when nothing is pending", func() {
				ok, err := s.ResolveOTAUpdate(ctx, "D1", "2.0.0", model.OTAFailed, "boom", t0)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeFalse())
			})
		})

		It("should answer Ping while open", func() {
			Expect(s.Ping(ctx)).To(Succeed())
		})
	})
}
