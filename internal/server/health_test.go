package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/iot-hub/internal/hub"
	"procodus.dev/iot-hub/internal/server"
	"procodus.dev/iot-hub/pkg/broker/mock"
	"procodus.dev/iot-hub/pkg/clock"
)

type stubStats struct{ clients int }

func (s stubStats) Stats() hub.Stats {
	return hub.Stats{ConnectedClients: s.clients, Clients: []hub.ClientInfo{}}
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

var _ = Describe("Health", func() {
	var (
		ctx    context.Context
		logger *slog.Logger
		client *mock.MockClient
		fake   *clock.FakeClock
		pinger *stubPinger
		h      *server.Health
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		client = mock.NewMockClient()
		fake = clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		pinger = &stubPinger{}

		var err error
		h, err = server.NewHealth(&server.HealthConfig{
			Logger: logger,
			Clock:  fake,
			Broker: client,
			Hub:    stubStats{clients: 2},
			Store:  pinger,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := h.GRPC().Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
		Expect(err).NotTo(HaveOccurred())
		return resp.GetStatus()
	}

	Describe("NewHealth", func() {
		It("should validate its collaborators", func() {
			_, err := server.NewHealth(nil)
			Expect(err).To(HaveOccurred())
			_, err = server.NewHealth(&server.HealthConfig{Broker: client, Hub: stubStats{}})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
			_, err = server.NewHealth(&server.HealthConfig{Logger: logger, Hub: stubStats{}})
			Expect(err).To(MatchError(ContainSubstring("broker cannot be nil")))
			_, err = server.NewHealth(&server.HealthConfig{Logger: logger, Broker: client})
			Expect(err).To(MatchError(ContainSubstring("hub cannot be nil")))
		})
	})

	Describe("Report", func() {
		It("should be healthy when the broker and store are up", func() {
			fake.Advance(90 * time.Second)

			report := h.Report(ctx)
			Expect(report.Status).To(Equal(server.StatusHealthy))
			Expect(report.Uptime).To(BeNumerically("==", 90))
			Expect(report.MQTTConnected).To(BeTrue())
			Expect(report.StoreReachable).To(BeTrue())
			Expect(report.ConnectedClients).To(Equal(2))
		})

		It("should be degraded without the broker", func() {
			client.SetConnected(false)
			report := h.Report(ctx)
			Expect(report.Status).To(Equal(server.StatusDegraded))
			Expect(report.MQTTConnected).To(BeFalse())
		})

		It("should be degraded when the store does not answer", func() {
			pinger.err = errors.New("connection refused")
			report := h.Report(ctx)
			Expect(report.Status).To(Equal(server.StatusDegraded))
			Expect(report.StoreReachable).To(BeFalse())
			Expect(report.StoreError).To(Equal("connection refused"))
		})
	})

	Describe("ServeHTTP", func() {
		It("should serve the report as JSON", func() {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

			var body map[string]any
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body).To(HaveKeyWithValue("status", "healthy"))
			Expect(body).To(HaveKeyWithValue("mqtt_connected", true))
			Expect(body).To(HaveKeyWithValue("connected_clients", float64(2)))
			Expect(body).To(HaveKey("uptime"))
			Expect(body).To(HaveKey("timestamp"))
		})

		It("should reject other methods", func() {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
			Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Describe("gRPC status", func() {
		It("should start serving while connected", func() {
			Expect(check()).To(Equal(healthpb.HealthCheckResponse_SERVING))
		})

		It("should follow the broker on every tick", func() {
			watchCtx, cancel := context.WithCancel(ctx)
			DeferCleanup(cancel)
			go h.Watch(watchCtx, time.Second)
			fake.WaitForTickers(1)

			client.SetConnected(false)
			fake.Advance(time.Second)
			Eventually(check).Should(Equal(healthpb.HealthCheckResponse_NOT_SERVING))

			client.SetConnected(true)
			fake.Advance(time.Second)
			Eventually(check).Should(Equal(healthpb.HealthCheckResponse_SERVING))
		})

		It("should stop serving after shutdown", func() {
			h.Shutdown()
			h.Sync()
			Expect(check()).To(Equal(healthpb.HealthCheckResponse_NOT_SERVING))
		})
	})

	Describe("NewMux", func() {
		It("should route /health and leave /metrics out when disabled", func() {
			mux := server.NewMux(http.NotFoundHandler(), h, false)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))

			rec = httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("should expose metrics when enabled", func() {
			mux := server.NewMux(http.NotFoundHandler(), h, true)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("go_goroutines"))
		})

		It("should hand /ws to the websocket handler", func() {
			reached := false
			ws := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				reached = true
				w.WriteHeader(http.StatusSwitchingProtocols)
			})
			mux := server.NewMux(ws, h, false)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token=x", nil))
			Expect(reached).To(BeTrue())
		})
	})
})
