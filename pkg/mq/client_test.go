package mq_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/iot-hub/pkg/metrics"
	"procodus.dev/iot-hub/pkg/mq"
	"procodus.dev/iot-hub/pkg/mq/mock"
)

var _ = Describe("MQ Client", func() {
	var (
		logger *slog.Logger
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	newClient := func(url string) *mq.Client {
		client, err := mq.New(&mq.Config{Logger: logger, URL: url, Queue: "sensor-readings"})
		Expect(err).NotTo(HaveOccurred())
		return client
	}

	Describe("New", func() {
		It("should reject a nil config", func() {
			_, err := mq.New(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
		})

		It("should require a logger", func() {
			_, err := mq.New(&mq.Config{URL: "amqp://localhost:5672", Queue: "q"})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
		})

		It("should require a URL", func() {
			_, err := mq.New(&mq.Config{Logger: logger, Queue: "q"})
			Expect(err).To(MatchError(ContainSubstring("URL cannot be empty")))
		})

		It("should require a queue name", func() {
			_, err := mq.New(&mq.Config{Logger: logger, URL: "amqp://localhost:5672"})
			Expect(err).To(MatchError(ContainSubstring("queue name cannot be empty")))
		})

		It("should expose the configured queue", func() {
			client := newClient("amqp://invalid:5672")
			defer func() { _ = client.Close() }()

			Expect(client.Queue()).To(Equal("sensor-readings"))
		})
	})

	Describe("Push", func() {
		Context("when not connected", func() {
			It("should retry with backoff until the context expires", func() {
				client := newClient("amqp://invalid:5672")
				defer func() { _ = client.Close() }()

				time.Sleep(100 * time.Millisecond)

				ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
				defer cancel()

				start := time.Now()
				err := client.Push(ctx, []byte("reading"))
				elapsed := time.Since(start)

				Expect(err).To(MatchError(context.DeadlineExceeded))
				Expect(elapsed).To(BeNumerically(">=", 100*time.Millisecond))
			})

			It("should give up after the maximum number of attempts", func() {
				client := newClient("amqp://invalid:5672")
				defer func() { _ = client.Close() }()

				time.Sleep(100 * time.Millisecond)

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				start := time.Now()
				err := client.Push(ctx, []byte("reading"))
				elapsed := time.Since(start)

				// 100ms + 200ms + 400ms + 800ms + 1600ms
				Expect(err).To(MatchError(mq.ErrMaxRetriesExceeded))
				Expect(elapsed).To(BeNumerically(">=", 3*time.Second))
				Expect(elapsed).To(BeNumerically("<", 10*time.Second))
			})

			It("should stop retrying once the client is closed", func() {
				client := newClient("amqp://invalid:5672")
				_ = client.Close()

				err := client.Push(context.Background(), []byte("reading"))
				Expect(err).To(MatchError(mq.ErrShutdown))
			})

			It("should count the exhausted retries as a failure", func() {
				m := metrics.NewRelayMetrics("mq_push_test")
				client, err := mq.New(&mq.Config{
					Logger:  logger,
					Metrics: m,
					URL:     "amqp://invalid:5672",
					Queue:   "sensor-readings",
				})
				Expect(err).NotTo(HaveOccurred())
				defer func() { _ = client.Close() }()

				err = client.Push(context.Background(), []byte("reading"))
				Expect(err).To(MatchError(mq.ErrMaxRetriesExceeded))
				Expect(testutil.ToFloat64(m.PushFailures.WithLabelValues("sensor-readings", "max_retries_exceeded"))).To(Equal(1.0))
				Expect(testutil.ToFloat64(m.ReconnectAttempts)).To(BeNumerically(">=", 1))
			})
		})
	})

	Describe("UnsafePush", func() {
		It("should report that it is not connected", func() {
			client := newClient("amqp://invalid:5672")
			defer func() { _ = client.Close() }()

			time.Sleep(100 * time.Millisecond)

			err := client.UnsafePush(context.Background(), []byte("reading"))
			Expect(err).To(MatchError(mq.ErrNotConnected))
		})

		It("should be safe to call concurrently", func() {
			client := newClient("amqp://invalid:5672")
			defer func() { _ = client.Close() }()

			done := make(chan bool, 3)
			for range 3 {
				go func() {
					_ = client.UnsafePush(context.Background(), []byte("reading"))
					done <- true
				}()
			}

			for range 3 {
				Eventually(done).Should(Receive())
			}
		})
	})

	Describe("Consume", func() {
		It("should return an error when not connected", func() {
			client := newClient("amqp://invalid:5672")
			defer func() { _ = client.Close() }()

			time.Sleep(100 * time.Millisecond)

			_, err := client.Consume()
			Expect(err).To(MatchError(mq.ErrNotConnected))
		})
	})

	Describe("Close", func() {
		It("should return already closed when never connected", func() {
			client := newClient("amqp://invalid:5672")
			time.Sleep(100 * time.Millisecond)

			err := client.Close()
			Expect(err).To(MatchError(ContainSubstring("already closed")))
			Expect(client.Ready()).To(BeFalse())
		})

		It("should tolerate being called twice", func() {
			client := newClient("amqp://invalid:5672")

			Expect(client.Close()).To(HaveOccurred())
			Expect(client.Close()).To(MatchError(ContainSubstring("already closed")))
		})

		It("should handle concurrent Close attempts safely", func() {
			client := newClient("amqp://invalid:5672")

			done := make(chan bool, 3)
			for range 3 {
				go func() {
					_ = client.Close()
					done <- true
				}()
			}

			for range 3 {
				Eventually(done).Should(Receive())
			}
		})
	})

	Describe("MockClient", func() {
		It("should record pushed payloads as copies", func() {
			m := mock.NewMockClient()
			data := []byte("reading")

			Expect(m.Push(context.Background(), data)).To(Succeed())
			data[0] = 'X'

			Expect(m.Pushed()).To(HaveLen(1))
			Expect(string(m.Pushed()[0])).To(Equal("reading"))
		})

		It("should prefer PushFunc over PushError", func() {
			m := mock.NewMockClient()
			m.PushError = mq.ErrNotConnected
			m.PushFunc = func(context.Context, []byte) error { return nil }

			Expect(m.Push(context.Background(), nil)).To(Succeed())
		})

		It("should count Close calls", func() {
			m := mock.NewMockClient()
			_ = m.Close()
			_ = m.Close()
			Expect(m.CloseCalls).To(Equal(2))
		})
	})
})
