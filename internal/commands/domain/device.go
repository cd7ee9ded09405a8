package commands

import "context"

// DeviceConn is an open fieldbus session with one device.
type DeviceConn interface {
	// ReadCoil returns the coil state; known is false when the device reported nothing.
	ReadCoil(ctx context.Context, address int) (state bool, known bool, err error)
	// WriteRegister returns false when the device rejected the write.
	WriteRegister(ctx context.Context, address int, value uint16) (bool, error)
	Close() error
}

// DeviceDialer opens fieldbus sessions.
type DeviceDialer interface {
	Dial(ctx context.Context, address string, unitID int) (DeviceConn, error)
}
