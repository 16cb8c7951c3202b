package gpudev

import "fmt"

// Pixel is one 32-bit frame buffer pixel. The channel order is defined
// by the video mode's ChannelOffset table; channel i occupies bits
// 8*i..8*i+7.
type Pixel uint32

// PixelFromRaw builds a pixel from its raw 32-bit value.
func PixelFromRaw(v uint32) Pixel {
	return Pixel(v)
}

// PixelFromChannels builds a pixel from its four channel bytes, channel
// 0 in the low byte.
func PixelFromChannels(c [4]uint8) Pixel {
	return Pixel(uint32(c[0]) | uint32(c[1])<<8 | uint32(c[2])<<16 | uint32(c[3])<<24)
}

// PixelFromRGBA builds a pixel for modes whose channel order is
// R, G, B, A.
func PixelFromRGBA(r, g, b, a uint8) Pixel {
	return PixelFromChannels([4]uint8{r, g, b, a})
}

// Raw returns the raw 32-bit value.
func (p Pixel) Raw() uint32 {
	return uint32(p)
}

// Channel returns channel i (0..3).
func (p Pixel) Channel(i int) uint8 {
	return uint8(p >> (8 * i))
}

// Channels returns all four channel bytes.
func (p Pixel) Channels() [4]uint8 {
	return [4]uint8{p.Channel(0), p.Channel(1), p.Channel(2), p.Channel(3)}
}

// WithChannel returns a copy of p with channel i replaced by v.
func (p Pixel) WithChannel(i int, v uint8) Pixel {
	shift := 8 * i
	return p&^Pixel(0xff<<shift) | Pixel(uint32(v)<<shift)
}

// BlitOp selects how a source pixel is combined with the pixel already
// in the frame buffer. The bitwise operators act on the raw 32-bit
// values; the arithmetic operators act per channel byte and saturate.
type BlitOp uint32

const (
	BlitOpCopy BlitOp = iota
	BlitOpNot
	BlitOpAnd
	BlitOpOr
	BlitOpNand
	BlitOpNor
	BlitOpXor
	BlitOpXnor
	BlitOpPlus
	BlitOpMinus
	BlitOpMultiply
	BlitOpDivide
)

var blitOpNames = map[BlitOp]string{
	BlitOpCopy:     "copy",
	BlitOpNot:      "not",
	BlitOpAnd:      "and",
	BlitOpOr:       "or",
	BlitOpNand:     "nand",
	BlitOpNor:      "nor",
	BlitOpXor:      "xor",
	BlitOpXnor:     "xnor",
	BlitOpPlus:     "plus",
	BlitOpMinus:    "minus",
	BlitOpMultiply: "multiply",
	BlitOpDivide:   "divide",
}

func (op BlitOp) String() string {
	if n, ok := blitOpNames[op]; ok {
		return n
	}
	return fmt.Sprintf("BlitOp(%d)", uint32(op))
}
