// Package history mirrors published telemetry into InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/fisaks/devsim/internal/config"
	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/logging"
)

const (
	measurement    = "telemetry"
	connectTimeout = 10 * time.Second
)

var (
	ErrDisabled         = errors.New("influxdb is disabled")
	ErrConnectionFailed = errors.New("influxdb connection failed")
)

// Writer is a non-blocking, batched telemetry sink.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu     sync.RWMutex
	closed bool
}

var _ devsim.TelemetryObserver = (*Writer)(nil)

func Connect(cfg config.InfluxDBConfig) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batch := cfg.BatchSize
	if batch == 0 {
		batch = 100
	}
	flush := cfg.FlushIntervalMs
	if flush == 0 {
		flush = 1000
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(batch).SetFlushInterval(flush))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	w := &Writer{client: client, writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket)}
	go func(errs <-chan error) {
		for err := range errs {
			logging.Warn("InfluxDB write failed", "error", err)
		}
	}(w.writeAPI.Errors())

	logging.Info("InfluxDB history enabled", "url", cfg.URL, "bucket", cfg.Bucket)
	return w, nil
}

// ObserveTelemetry mirrors successfully sent records only.
func (w *Writer) ObserveTelemetry(rec devsim.TelemetryRecord, err error) {
	if err != nil {
		return
	}
	w.WriteRecord(rec)
}

func (w *Writer) WriteRecord(rec devsim.TelemetryRecord) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	w.writeAPI.WritePoint(recordPoint(rec))
}

func recordPoint(rec devsim.TelemetryRecord) *write.Point {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		measurement,
		map[string]string{"device_id": rec.DeviceID},
		map[string]any{
			"temperature": rec.Temperature,
			"alert":       rec.TemperatureAlert,
			"message_id":  int64(rec.MessageID),
		},
		ts,
	)
}

// Close flushes pending points.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.writeAPI.Flush()
	w.client.Close()
}
