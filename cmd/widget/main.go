// Command widget is a headless display client: it prints every metrics
// update the server pushes and sends a close request on exit.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"ecocity.ai/internal/protocol"
)

func main() {
	var (
		url   = flag.String("url", "ws://localhost:8080/v1/widget", "widget ws url")
		count = flag.Int("count", 0, "exit after this many updates (0 = run until interrupted)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[widget] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	updates := make(chan protocol.MetricsData, 8)
	go func() {
		defer close(updates)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeUpdateMetrics {
				continue
			}
			var m protocol.UpdateMetricsMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			updates <- m.Data
		}
	}()

	seen := 0
	for {
		select {
		case <-stop:
			closeWidget(conn, updates, logger)
			return
		case d, ok := <-updates:
			if !ok {
				logger.Printf("server closed the connection")
				return
			}
			seen++
			logger.Printf("air=%.5f carbon=%.5f recycling=%.5f", d.AirPollution, d.CarbonEmission, d.RecyclingRate)
			if *count > 0 && seen >= *count {
				closeWidget(conn, updates, logger)
				return
			}
		}
	}
}

func closeWidget(conn *websocket.Conn, updates <-chan protocol.MetricsData, logger *log.Logger) {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(protocol.CloseMsg{Type: protocol.TypeClose}); err != nil {
		logger.Printf("send close: %v", err)
		return
	}
	// The reader exits once the server's close frame arrives.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-timeout:
			return
		}
	}
}
