// Command watch prints the hub's websocket stream in a terminal.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"

	"procodus.dev/iot-hub/pkg/logger"
)

func main() {
	addr := flag.String("addr", "ws://localhost:3000/ws", "hub websocket URL")
	token := flag.String("token", os.Getenv("IOT_HUB_TOKEN"), "dashboard token (see iot-hub token)")
	channels := flag.String("channels", "", "comma separated channels to subscribe to (devices, gateways, sensor_data, ota, logs)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	log := logger.FromStrings(*logLevel, "text")

	u, err := url.Parse(*addr)
	if err != nil {
		log.Error("invalid address", "error", err)
		os.Exit(1)
	}
	q := u.Query()
	q.Set("token", *token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Error("failed to connect", "addr", *addr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	for _, ch := range strings.Split(*channels, ",") {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if err := conn.WriteJSON(map[string]string{"type": "subscribe", "channel": ch}); err != nil {
			log.Error("failed to subscribe", "channel", ch, "error", err)
			os.Exit(1)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		read(log, conn)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-done:
	case <-sig:
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		<-done
	}
}

func read(log *slog.Logger, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				log.Info("connection closed", "code", ce.Code, "reason", ce.Text)
				return
			}
			log.Error("read failed", "error", err)
			return
		}

		var event map[string]any
		if err := json.Unmarshal(data, &event); err != nil {
			fmt.Println(string(data))
			continue
		}
		fmt.Printf("%v\t%v\t%s\n", event["timestamp"], event["type"], data)
	}
}
