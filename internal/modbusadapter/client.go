package modbusadapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/goburrow/modbus"

	commands "energy-monitoring/internal/commands/domain"
)

const (
	DefaultPort    = 502
	DefaultTimeout = 3 * time.Second
)

// Dialer opens Modbus TCP sessions.
type Dialer struct {
	port    int
	timeout time.Duration
}

// Option configures the dialer.
type Option func(*Dialer)

// WithPort overrides the default TCP port used when the address has none.
func WithPort(port int) Option {
	return func(d *Dialer) {
		if port > 0 {
			d.port = port
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dialer) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDialer constructs a Modbus TCP dialer.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{port: DefaultPort, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial connects to the device at address with the given unit identifier.
func (d *Dialer) Dial(ctx context.Context, address string, unitID int) (commands.DeviceConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("modbusadapter: empty address")
	}
	if unitID < 0 || unitID > 255 {
		return nil, fmt.Errorf("modbusadapter: invalid unit id %d", unitID)
	}
	handler := modbus.NewTCPClientHandler(d.hostPort(address))
	handler.Timeout = d.timeout
	handler.SlaveId = byte(unitID)
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("modbusadapter: connect %s: %w", address, err)
	}
	return &Conn{handler: handler, client: modbus.NewClient(handler)}, nil
}

func (d *Dialer) hostPort(address string) string {
	address = strings.TrimSpace(address)
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(d.port))
}

// Conn is an open Modbus TCP session.
type Conn struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// ReadCoil reads a single coil.
func (c *Conn) ReadCoil(ctx context.Context, address int) (bool, bool, error) {
	if err := ctx.Err(); err != nil {
		return false, false, err
	}
	if address < 0 || address > 0xFFFF {
		return false, false, fmt.Errorf("modbusadapter: invalid coil %d", address)
	}
	data, err := c.client.ReadCoils(uint16(address), 1)
	if err != nil {
		return false, false, err
	}
	if len(data) == 0 {
		return false, false, nil
	}
	return data[0]&0x01 == 0x01, true, nil
}

// WriteRegister writes a single holding register. A Modbus exception response is
// reported as a rejected write rather than an error.
func (c *Conn) WriteRegister(ctx context.Context, address int, value uint16) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if address < 0 || address > 0xFFFF {
		return false, fmt.Errorf("modbusadapter: invalid register %d", address)
	}
	if _, err := c.client.WriteSingleRegister(uint16(address), value); err != nil {
		var exception *modbus.ModbusError
		if errors.As(err, &exception) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Close closes the TCP session.
func (c *Conn) Close() error {
	if c == nil || c.handler == nil {
		return nil
	}
	return c.handler.Close()
}
