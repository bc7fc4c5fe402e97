package main

// cSpell:ignore mbprobe Modbus
import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisaks/devsim/internal/config"
	"github.com/fisaks/devsim/internal/fieldbus"
	"github.com/fisaks/devsim/internal/logging"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	addr := flag.String("addr", getenv("MB_PROBE_ADDR", "127.0.0.1:5020"), "Modbus TCP address of the device mirror")
	port := flag.String("port", "", "Serial port; switches to RTU when set")
	baud := flag.Int("baud", 9600, "RTU baud rate")
	parity := flag.String("parity", "N", "RTU parity (N, E, O)")
	holding := flag.Bool("holding", false, "Read holding instead of input registers")
	interval := flag.Duration("interval", 0, "Poll interval, 0 reads once")
	debug := flag.Bool("debug", false, "Log Modbus frames")
	flag.Parse()

	logging.Init("text", "info")

	var c *fieldbus.Client
	if *port != "" {
		c = fieldbus.NewRTUClient(config.FieldbusConfig{
			Port: *port, Baud: *baud, DataBits: 8, StopBits: 1, Parity: *parity,
		}, 2*time.Second, *debug)
	} else {
		c = fieldbus.NewTCPClient(*addr, 2*time.Second, *debug)
	}
	defer c.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for {
		snap, err := c.ReadSnapshot(ctx, *holding)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if *interval == 0 {
				logging.Fatal("Read failed", "error", err)
			}
			logging.Warn("Read failed", "error", err)
		} else {
			out, _ := json.Marshal(snap)
			fmt.Println(string(out))
		}

		if *interval == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
	}
}
