package sweeper_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/iot-hub/internal/hub"
	"procodus.dev/iot-hub/internal/hub/hubtest"
	"procodus.dev/iot-hub/internal/model"
	"procodus.dev/iot-hub/internal/store"
	"procodus.dev/iot-hub/internal/sweeper"
	"procodus.dev/iot-hub/pkg/clock"
	"procodus.dev/iot-hub/pkg/metrics"
)

var errListFailed = errors.New("list failed")

// faultyStore fails listings on demand and can simulate a device
// refreshed between listing and demotion.
type faultyStore struct {
	store.Store
	failDevices bool
	refresh     func()
}

func (f *faultyStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	if f.failDevices {
		return nil, errListFailed
	}
	return f.Store.ListDevices(ctx)
}

func (f *faultyStore) MarkDeviceOffline(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	if f.refresh != nil {
		f.refresh()
	}
	return f.Store.MarkDeviceOffline(ctx, id, cutoff)
}

var _ = Describe("Sweeper", func() {
	var (
		ctx    context.Context
		logger *slog.Logger
		mem    *store.MemoryStore
		faulty *faultyStore
		events *hubtest.Recorder
		fake   *clock.FakeClock
		m      *metrics.SweeperMetrics
		s      *sweeper.Sweeper
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		mem = store.NewMemoryStore()
		faulty = &faultyStore{Store: mem}
		events = &hubtest.Recorder{}
		fake = clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		m = nil

		var err error
		s, err = sweeper.New(&sweeper.Config{Logger: logger, Store: faulty, Hub: events, Clock: fake})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(s.Stop)
	})

	addDevice := func(id string, status model.Status, age time.Duration) {
		Expect(mem.CreateDevice(ctx, &model.Device{DeviceID: id, Name: id, Status: status, LastSeen: fake.Now().Add(-age)})).To(Succeed())
	}

	addGateway := func(id string, status model.Status, age time.Duration) {
		Expect(mem.CreateGateway(ctx, &model.Gateway{GatewayID: id, Name: id, Status: status, LastSeen: fake.Now().Add(-age)})).To(Succeed())
	}

	deviceStatus := func(id string) model.Status {
		d, err := mem.GetDevice(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return d.Status
	}

	logsFor := func(source string) []model.SystemLog {
		all, err := mem.RecentLogs(ctx, 0)
		Expect(err).NotTo(HaveOccurred())
		var out []model.SystemLog
		for _, l := range all {
			if l.SourceID == source {
				out = append(out, l)
			}
		}
		return out
	}

	Describe("New", func() {
		It("should validate its config", func() {
			_, err := sweeper.New(nil)
			Expect(err).To(HaveOccurred())
			_, err = sweeper.New(&sweeper.Config{Store: mem})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
			_, err = sweeper.New(&sweeper.Config{Logger: logger})
			Expect(err).To(MatchError(ContainSubstring("store cannot be nil")))
		})
	})

	Describe("Scan", func() {
		It("should demote exactly past the threshold", func() {
			addDevice("stale", model.StatusActive, sweeper.InactivityThreshold+time.Millisecond)
			addDevice("fresh", model.StatusActive, 4*time.Minute+59*time.Second)

			Expect(s.Scan(ctx)).To(Succeed())

			Expect(deviceStatus("stale")).To(Equal(model.StatusOffline))
			Expect(deviceStatus("fresh")).To(Equal(model.StatusActive))
		})

		It("should not demote at exactly the threshold", func() {
			addDevice("edge", model.StatusActive, sweeper.InactivityThreshold)
			Expect(s.Scan(ctx)).To(Succeed())
			Expect(deviceStatus("edge")).To(Equal(model.StatusActive))
		})

		It("should treat online like active", func() {
			addDevice("admin", model.StatusOnline, time.Hour)
			Expect(s.Scan(ctx)).To(Succeed())
			Expect(deviceStatus("admin")).To(Equal(model.StatusOffline))
		})

		It("should log and broadcast each demotion once", func() {
			addDevice("D1", model.StatusActive, time.Hour)

			Expect(s.Scan(ctx)).To(Succeed())
			Expect(s.Scan(ctx)).To(Succeed())

			entries := logsFor("D1")
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Category).To(Equal(model.CategoryDevice))
			Expect(entries[0].Message).To(Equal("Device marked offline due to inactivity (last seen: 2026-03-01T11:00:00Z)"))

			status := events.OfType(hub.TypeDeviceStatus)
			Expect(status).To(HaveLen(1))
			Expect(status[0].Channel).To(Equal(hub.ChannelDevices))
			Expect(status[0].Event.Status).To(Equal("offline"))
		})

		It("should skip entities that are already offline or unknown", func() {
			addDevice("off", model.StatusOffline, time.Hour)
			addDevice("unk", model.StatusUnknown, time.Hour)

			Expect(s.Scan(ctx)).To(Succeed())

			Expect(logsFor("off")).To(BeEmpty())
			Expect(logsFor("unk")).To(BeEmpty())
			Expect(deviceStatus("unk")).To(Equal(model.StatusUnknown))
		})

		It("should demote gateways the same way", func() {
			addGateway("GW1", model.StatusActive, 10*time.Minute)
			addGateway("GW2", model.StatusActive, time.Minute)

			Expect(s.Scan(ctx)).To(Succeed())

			g1, _ := mem.GetGateway(ctx, "GW1")
			g2, _ := mem.GetGateway(ctx, "GW2")
			Expect(g1.Status).To(Equal(model.StatusOffline))
			Expect(g2.Status).To(Equal(model.StatusActive))
			Expect(logsFor("GW1")[0].Message).To(HavePrefix("Gateway marked offline due to inactivity"))
			Expect(events.OfType(hub.TypeGatewayStatus)).To(HaveLen(1))
		})

		It("should only log stale nodes, on every scan", func() {
			Expect(mem.CreateGateway(ctx, &model.Gateway{GatewayID: "GW1", Name: "GW1", Status: model.StatusOffline, LastSeen: fake.Now().Add(-time.Hour)})).To(Succeed())
			Expect(mem.CreateNode(ctx, &model.Node{MAC: "AA:01", GatewayID: "GW1", Name: "Desk", LastSeen: fake.Now().Add(-time.Hour)})).To(Succeed())
			Expect(mem.CreateNode(ctx, &model.Node{MAC: "AA:02", GatewayID: "GW1", Name: "Door", LastSeen: fake.Now()})).To(Succeed())

			Expect(s.Scan(ctx)).To(Succeed())
			Expect(s.Scan(ctx)).To(Succeed())

			entries := logsFor("AA:01")
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Category).To(Equal(model.CategoryNode))
			Expect(entries[0].Message).To(HavePrefix("Node Desk inactive"))
			Expect(logsFor("AA:02")).To(BeEmpty())

			node, err := mem.GetNode(ctx, "AA:01", "GW1")
			Expect(err).NotTo(HaveOccurred())
			Expect(node.LastSeen).To(BeTemporally("==", fake.Now().Add(-time.Hour)))
		})

		It("should keep scanning other kinds when one fails", func() {
			faulty.failDevices = true
			addGateway("GW1", model.StatusActive, time.Hour)

			err := s.Scan(ctx)
			Expect(err).To(MatchError(errListFailed))
			Expect(strings.Contains(err.Error(), "device scan")).To(BeTrue())

			g, _ := mem.GetGateway(ctx, "GW1")
			Expect(g.Status).To(Equal(model.StatusOffline))
		})

		It("should not demote a device refreshed during the scan", func() {
			addDevice("D1", model.StatusActive, time.Hour)
			faulty.refresh = func() {
				_ = mem.TouchDevice(ctx, "D1", fake.Now())
			}

			Expect(s.Scan(ctx)).To(Succeed())

			Expect(deviceStatus("D1")).To(Equal(model.StatusActive))
			Expect(logsFor("D1")).To(BeEmpty())
			Expect(events.Calls()).To(BeEmpty())
		})

		It("should count scans and demotions", func() {
			m = metrics.NewSweeperMetrics("sweeper_unit_test")
			counted, err := sweeper.New(&sweeper.Config{Logger: logger, Store: faulty, Clock: fake, Metrics: m})
			Expect(err).NotTo(HaveOccurred())
			addDevice("D1", model.StatusActive, time.Hour)
			faulty.failDevices = false

			Expect(counted.Scan(ctx)).To(Succeed())

			Expect(testutil.ToFloat64(m.Scans.WithLabelValues("device", "ok"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.Scans.WithLabelValues("node", "ok"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.Demotions.WithLabelValues("device"))).To(Equal(1.0))
		})
	})

	Describe("Start and Stop", func() {
		It("should scan immediately and then on every tick", func() {
			addDevice("D1", model.StatusActive, time.Hour)

			s.Start(ctx)
			Eventually(func() model.Status { return deviceStatus("D1") }).Should(Equal(model.StatusOffline))

			addDevice("D2", model.StatusActive, 0)
			fake.WaitForTickers(1)
			fake.Advance(sweeper.InactivityThreshold + sweeper.ScanInterval)

			Eventually(func() model.Status { return deviceStatus("D2") }).Should(Equal(model.StatusOffline))
		})

		It("should not create a second timer when started twice", func() {
			s.Start(ctx)
			s.Start(ctx)
			fake.WaitForTickers(1)
			Consistently(fake.Tickers, 50*time.Millisecond).Should(Equal(1))
		})

		It("should release its timer on Stop and tolerate repeats", func() {
			s.Stop()

			s.Start(ctx)
			fake.WaitForTickers(1)
			s.Stop()
			s.Stop()

			Expect(fake.Tickers()).To(Equal(0))
		})

		It("should stop when the context ends", func() {
			cctx, cancel := context.WithCancel(ctx)
			s.Start(cctx)
			fake.WaitForTickers(1)
			cancel()

			Eventually(fake.Tickers).Should(Equal(0))
		})

		It("should be restartable", func() {
			s.Start(ctx)
			s.Stop()
			s.Start(ctx)
			Expect(fake.Tickers()).To(Equal(1))
		})
	})
})
