package fieldbus

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"

	"github.com/fisaks/devsim/internal/config"
	"github.com/fisaks/devsim/internal/logging"
	"github.com/fisaks/devsim/internal/state"
)

const (
	fcReadHolding  = 3
	fcReadInput    = 4
	maxReadQty     = 125
	rtuReadTimeout = 10 * time.Second
)

type SnapshotSource interface {
	Snapshot() state.Snapshot
}

// Mirror is a read-only Modbus slave. Every read is served from a fresh
// snapshot so the registers never lag the device state.
type Mirror struct {
	cfg config.FieldbusConfig
	src SnapshotSource
	srv *mbserver.Server
}

func NewMirror(cfg config.FieldbusConfig, src SnapshotSource) *Mirror {
	m := &Mirror{cfg: cfg, src: src, srv: mbserver.NewServer()}
	m.srv.RegisterFunctionHandler(fcReadHolding, m.readRegisters)
	m.srv.RegisterFunctionHandler(fcReadInput, m.readRegisters)
	for _, fc := range []uint8{5, 6, 15, 16} {
		m.srv.RegisterFunctionHandler(fc, rejectWrite)
	}
	return m
}

func (m *Mirror) Start() error {
	switch strings.ToLower(m.cfg.Mode) {
	case "rtu":
		err := m.srv.ListenRTU(&serial.Config{
			Address:  m.cfg.Port,
			BaudRate: m.cfg.Baud,
			DataBits: m.cfg.DataBits,
			StopBits: m.cfg.StopBits,
			Parity:   strings.ToUpper(m.cfg.Parity),
			Timeout:  rtuReadTimeout,
		})
		if err != nil {
			return fmt.Errorf("fieldbus rtu listen on %s: %w", m.cfg.Port, err)
		}
		logging.Info("Fieldbus mirror listening", "mode", "rtu", "port", m.cfg.Port, "baud", m.cfg.Baud)
	default:
		if err := m.srv.ListenTCP(m.cfg.TCPAddr); err != nil {
			return fmt.Errorf("fieldbus tcp listen on %s: %w", m.cfg.TCPAddr, err)
		}
		logging.Info("Fieldbus mirror listening", "mode", "tcp", "addr", m.cfg.TCPAddr)
	}
	return nil
}

func (m *Mirror) Close() {
	m.srv.Close()
}

func (m *Mirror) readRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(data[0:2])
	qty := binary.BigEndian.Uint16(data[2:4])
	if qty == 0 || qty > maxReadQty {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if int(start)+int(qty) > RegisterCount {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	regs := Registers(m.src.Snapshot())[start : start+qty]
	return append([]byte{byte(qty * 2)}, bytesFromWords(regs)...), &mbserver.Success
}

func rejectWrite(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	logging.Debug("Fieldbus write rejected", "function", frame.GetFunction())
	return []byte{}, &mbserver.IllegalFunction
}
