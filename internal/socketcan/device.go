//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/embeddedTS/canobd/internal/bus"
	"github.com/embeddedTS/canobd/internal/can"
)

// Device is one raw CAN socket bound to a named network interface.
type Device struct {
	fd   int
	name string

	closeOnce sync.Once
	closeErr  error
}

var _ bus.Endpoint = (*Device)(nil)

// Open creates a raw CAN socket and binds it to iface. Interface resolution
// and bind failures are surfaced as distinct errors with the OS diagnostic
// attached.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	// Receive timestamps are best-effort metadata; carry on without them.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMP, 1)
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: if %q: %w", bus.ErrNoSuchInterface, iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: can@%s: %w", bus.ErrBind, iface, err)
	}
	return &Device{fd: fd, name: iface}, nil
}

// Name returns the bound interface name.
func (d *Device) Name() string { return d.name }

// Fd exposes the socket descriptor for epoll registration.
func (d *Device) Fd() int { return d.fd }

// Close releases the socket. Safe to call more than once.
func (d *Device) Close() error {
	d.closeOnce.Do(func() { d.closeErr = unix.Close(d.fd) })
	return d.closeErr
}

// Send writes one classic CAN frame in a single write. The kernel accepts
// whole CAN frames or nothing, so a short write is reported as a send
// failure rather than resumed.
func (d *Device) Send(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
	n, err := unix.Write(d.fd, buf[:])
	if err != nil {
		return fmt.Errorf("%w: %s: %w", bus.ErrSend, d.name, err)
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("%w: %s: short write (%d of %d)", bus.ErrSend, d.name, n, unix.CAN_MTU)
	}
	return nil
}

// Recv reads one classic CAN frame via recvmsg so receive timestamps and
// flags ride along as metadata. A read shorter than a full can_frame is
// reported as truncation, but whatever decoded is left in fr for
// best-effort inspection.
func (d *Device) Recv(fr *can.Frame) (bus.RecvMeta, error) {
	var buf [unix.CAN_MTU]byte
	var oob [128]byte
	n, oobn, recvflags, _, err := unix.Recvmsg(d.fd, buf[:], oob[:], 0)
	if err != nil {
		return bus.RecvMeta{}, fmt.Errorf("%w: %s: %w", bus.ErrReceive, d.name, err)
	}
	meta := bus.RecvMeta{
		Timestamp: rxTimestamp(oob[:oobn]),
		Flags:     recvflags,
	}
	decodeFrame(buf[:n], fr)
	if n < unix.CAN_MTU {
		return meta, fmt.Errorf("%w: %s: %d of %d bytes", bus.ErrFrameTruncated, d.name, n, unix.CAN_MTU)
	}
	return meta, nil
}

// decodeFrame fills fr from the kernel can_frame layout:
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
//
// The kernel provides fields in host byte order; common Linux archs are
// little-endian. Short buffers fill what they can so truncated reads stay
// inspectable.
func decodeFrame(b []byte, fr *can.Frame) {
	*fr = can.Frame{}
	if len(b) >= 4 {
		fr.CANID = binary.LittleEndian.Uint32(b[0:4])
	}
	if len(b) >= 5 {
		dlc := b[4]
		if dlc > can.MaxDataLen {
			dlc = can.MaxDataLen
		}
		fr.Len = dlc
	}
	if len(b) > 8 {
		copy(fr.Data[:], b[8:])
	}
}

// rxTimestamp extracts the SO_TIMESTAMP control message, if the kernel
// delivered one. The payload is a struct timeval in host byte order.
func rxTimestamp(oob []byte) time.Time {
	if len(oob) == 0 {
		return time.Time{}
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Time{}
	}
	for _, m := range cmsgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SO_TIMESTAMP {
			continue
		}
		if len(m.Data) < 16 {
			continue
		}
		sec := int64(binary.LittleEndian.Uint64(m.Data[0:8]))
		usec := int64(binary.LittleEndian.Uint64(m.Data[8:16]))
		return time.Unix(sec, usec*1000)
	}
	return time.Time{}
}
