package gputest

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtgpu/virtgpu/wire"
)

func addr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// submit offers a request/response chain on the control queue and lets
// the device process it, mirroring what the driver's transaction engine
// does.
func submit(t *testing.T, dev *Device, req []byte, respLen int) []byte {
	t.Helper()

	q, err := dev.Queue(0)
	require.NoError(t, err)

	indices, err := dev.AllocChain(0, 2)
	require.NoError(t, err)

	resp := make([]byte, respLen)
	dt := q.DescriptorTable()
	require.NoError(t, dt.SetBuffer(indices[0], addr(req), uint32(len(req)), false))
	require.NoError(t, dt.SetBuffer(indices[1], addr(resp), uint32(len(resp)), true))

	avail := q.AvailableRing()
	avail.Put(indices[0])
	avail.Advance()

	require.NoError(t, dev.Notify(0))
	require.Equal(t, avail.Index(), q.UsedRing().Index())
	require.NoError(t, dev.FreeChain(0, indices[0]))

	runtime.KeepAlive(req)
	return resp
}

func encodeHeader(t *testing.T, ct wire.ControlType) []byte {
	t.Helper()
	buf := make([]byte, wire.ControlHeaderSize)
	hdr := wire.ControlHeader{Type: ct}
	require.NoError(t, hdr.Encode(buf))
	return buf
}

func decodeHeader(t *testing.T, resp []byte) wire.ControlType {
	t.Helper()
	var hdr wire.ControlHeader
	require.NoError(t, hdr.Decode(resp))
	return hdr.Type
}

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	l := logrus.New()
	dev := NewDevice(l, wire.Rect{Width: 640, Height: 480})
	require.NoError(t, dev.InitQueues())
	t.Cleanup(func() {
		assert.NoError(t, dev.Close())
	})
	return dev
}

func TestGetDisplayInfo(t *testing.T) {
	dev := newTestDevice(t)

	resp := submit(t, dev, encodeHeader(t, wire.CmdGetDisplayInfo), wire.RespDisplayInfoSize)

	var info wire.RespDisplayInfo
	require.NoError(t, info.Decode(resp))
	assert.Equal(t, wire.RespOKDisplayInfo, info.Header.Type)
	assert.Equal(t, uint32(1), info.Scanouts[0].Enabled)
	assert.Equal(t, uint32(640), info.Scanouts[0].R.Width)
	assert.Equal(t, uint32(0), info.Scanouts[1].Enabled)

	assert.Equal(t, 1, dev.CommandCount(wire.CmdGetDisplayInfo))
}

func TestResourceCreate2D(t *testing.T) {
	dev := newTestDevice(t)

	create := wire.ResourceCreate2D{
		Header:     wire.ControlHeader{Type: wire.CmdResourceCreate2D},
		ResourceID: 42,
		Format:     wire.FormatR8G8B8A8,
		Width:      640,
		Height:     480,
	}
	buf := make([]byte, wire.ResourceCreate2DSize)
	require.NoError(t, create.Encode(buf))

	resp := submit(t, dev, buf, wire.ControlHeaderSize)
	assert.Equal(t, wire.RespOKNoData, decodeHeader(t, resp))

	// Resource id zero must be rejected.
	create.ResourceID = 0
	require.NoError(t, create.Encode(buf))
	resp = submit(t, dev, buf, wire.ControlHeaderSize)
	assert.Equal(t, wire.RespErrInvalidResourceID, decodeHeader(t, resp))
}

func TestSetScanoutErrors(t *testing.T) {
	dev := newTestDevice(t)

	set := wire.SetScanout{
		Header:     wire.ControlHeader{Type: wire.CmdSetScanout},
		R:          wire.Rect{Width: 640, Height: 480},
		ScanoutID:  5,
		ResourceID: 42,
	}
	buf := make([]byte, wire.SetScanoutSize)
	require.NoError(t, set.Encode(buf))

	// Scanout 5 is not enabled.
	resp := submit(t, dev, buf, wire.ControlHeaderSize)
	assert.Equal(t, wire.RespErrInvalidScanoutID, decodeHeader(t, resp))

	// Scanout 0 exists, but resource 42 does not.
	set.ScanoutID = 0
	require.NoError(t, set.Encode(buf))
	resp = submit(t, dev, buf, wire.ControlHeaderSize)
	assert.Equal(t, wire.RespErrInvalidResourceID, decodeHeader(t, resp))
}

func TestUnsupportedCommand(t *testing.T) {
	dev := newTestDevice(t)

	resp := submit(t, dev, encodeHeader(t, wire.CmdGetEDID), wire.ControlHeaderSize)
	assert.Equal(t, wire.RespErrUnspec, decodeHeader(t, resp))
}

func TestTextScreenRoundTrip(t *testing.T) {
	dev := newTestDevice(t)

	cells := make([]uint16, 80*25)
	cells[0] = 0x0741
	dev.SetTextScreen(cells)

	out := make([]uint16, 80*25)
	require.NoError(t, dev.CopyOut(out))
	assert.Equal(t, uint16(0x0741), out[0])

	out[1] = 0x0742
	require.NoError(t, dev.CopyIn(out))
	assert.Equal(t, uint16(0x0742), dev.TextScreen()[1])

	assert.Error(t, dev.CopyOut(make([]uint16, 10)))
	assert.Error(t, dev.CopyIn(make([]uint16, 10)))
}
