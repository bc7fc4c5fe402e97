package fieldbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goburrow/modbus"

	"github.com/fisaks/devsim/internal/config"
	"github.com/fisaks/devsim/internal/logging"
	"github.com/fisaks/devsim/internal/state"
)

type clientHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// Client reads the mirror registers with reconnect backoff.
type Client struct {
	handler clientHandler
	client  modbus.Client

	connOK     bool
	backoff    time.Duration
	backoffMin time.Duration
	backoffMax time.Duration
}

func newClient(h clientHandler) *Client {
	return &Client{
		handler:    h,
		client:     modbus.NewClient(h),
		backoffMin: 200 * time.Millisecond,
		backoffMax: 5 * time.Second,
	}
}

func NewTCPClient(addr string, timeout time.Duration, debug bool) *Client {
	h := modbus.NewTCPClientHandler(addr)
	h.Timeout = timeout
	h.SlaveId = 1
	if debug {
		h.Logger = logging.WrapSlog("fieldbus", addr)
	}
	return newClient(h)
}

func NewRTUClient(cfg config.FieldbusConfig, timeout time.Duration, debug bool) *Client {
	h := modbus.NewRTUClientHandler(cfg.Port)
	h.BaudRate = cfg.Baud
	h.DataBits = cfg.DataBits
	h.StopBits = cfg.StopBits
	h.Parity = strings.ToUpper(cfg.Parity)
	h.Timeout = timeout
	h.SlaveId = 1
	if debug {
		h.Logger = logging.WrapSlog("fieldbus", cfg.Port)
	}
	return newClient(h)
}

func (c *Client) EnsureConnected(ctx context.Context) error {
	if c.connOK {
		return nil
	}
	if c.backoff > 0 {
		t := time.NewTimer(c.backoff)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	_ = c.handler.Close()
	if err := c.handler.Connect(); err != nil {
		c.bumpBackoff()
		return err
	}
	c.client = modbus.NewClient(c.handler)
	c.connOK = true
	c.backoff = 0
	return nil
}

func (c *Client) Close() error {
	c.connOK = false
	return c.handler.Close()
}

func (c *Client) bumpBackoff() {
	c.connOK = false
	if c.backoff == 0 {
		c.backoff = c.backoffMin
		return
	}
	c.backoff = min(c.backoff*2, c.backoffMax)
}

// ReadSnapshot reads the full register map. Input registers are used
// unless holding is set.
func (c *Client) ReadSnapshot(ctx context.Context, holding bool) (state.Snapshot, error) {
	if err := c.EnsureConnected(ctx); err != nil {
		return state.Snapshot{}, err
	}
	read := c.client.ReadInputRegisters
	if holding {
		read = c.client.ReadHoldingRegisters
	}
	b, err := read(0, RegisterCount)
	if err != nil {
		c.bumpBackoff()
		return state.Snapshot{}, fmt.Errorf("read registers: %w", err)
	}
	return DecodeRegisters(WordsFromBytes(b))
}
