package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// Fractal Generator Protocol (FGP) message layout. All integers and doubles
// are big-endian.
//
//	header    Type u8 | Flags u8 | Length u16
//	Parameter header | Width | Height | MaxIterations | AlgorithmID (u32)
//	          | C1Real | C1Imag | C2Real | C2Imag | N (float64)
//	Data      header | StartX | StartY | Points (u32) | Points × u32
//	Cookie    header | Parameter body | CurrentX | CurrentY (u32)
//
// An element sends a Cookie every few Data messages. Sent back as the request
// of another element, it continues the tile at (CurrentX, CurrentY).
const (
	PPID = 32

	TypeParameter uint8 = 0x01
	TypeData      uint8 = 0x02
	TypeCookie    uint8 = 0x03

	// MaxPoints is the largest number of points in one Data message.
	MaxPoints = 324

	headerSize     = 4
	parameterSize  = headerSize + 4*4 + 5*8
	dataHeaderSize = headerSize + 3*4
	cookieSize     = parameterSize + 2*4

	finalizerStart = math.MaxUint32
)

var (
	ErrShortMessage = errors.New("fgp: short message")
	ErrMessageType  = errors.New("fgp: unexpected message type")
	ErrInvalidData  = errors.New("fgp: invalid data message")
)

// ParameterMessage is the request of one tile calculation.
type ParameterMessage struct {
	Width         uint32
	Height        uint32
	MaxIterations uint32
	Algorithm     uint32
	C1Real        float64
	C1Imag        float64
	C2Real        float64
	C2Imag        float64
	N             float64
}

// NewParameterMessage converts a tile parameter to its wire form.
func NewParameterMessage(p types.Parameter) ParameterMessage {
	return ParameterMessage{
		Width:         uint32(p.Width),
		Height:        uint32(p.Height),
		MaxIterations: uint32(p.MaxIterations),
		Algorithm:     uint32(p.Algorithm),
		C1Real:        real(p.C1),
		C1Imag:        imag(p.C1),
		C2Real:        real(p.C2),
		C2Imag:        imag(p.C2),
		N:             p.N,
	}
}

// Parameter converts the message back to the domain form.
func (m ParameterMessage) Parameter() types.Parameter {
	return types.Parameter{
		Width:         int(m.Width),
		Height:        int(m.Height),
		MaxIterations: int(m.MaxIterations),
		Algorithm:     types.Algorithm(m.Algorithm),
		C1:            complex(m.C1Real, m.C1Imag),
		C2:            complex(m.C2Real, m.C2Imag),
		N:             m.N,
	}
}

// EncodeParameter serializes a Parameter message.
func EncodeParameter(m ParameterMessage) []byte {
	buf := make([]byte, parameterSize)
	putHeader(buf, TypeParameter, parameterSize)
	putParameterBody(buf[headerSize:], m)
	return buf
}

// DecodeParameter parses a Parameter message.
func DecodeParameter(buf []byte) (ParameterMessage, error) {
	if err := checkHeader(buf, TypeParameter, parameterSize); err != nil {
		return ParameterMessage{}, err
	}
	return decodeParameterBody(buf[headerSize:]), nil
}

func putParameterBody(b []byte, m ParameterMessage) {
	binary.BigEndian.PutUint32(b[0:], m.Width)
	binary.BigEndian.PutUint32(b[4:], m.Height)
	binary.BigEndian.PutUint32(b[8:], m.MaxIterations)
	binary.BigEndian.PutUint32(b[12:], m.Algorithm)
	for i, v := range []float64{m.C1Real, m.C1Imag, m.C2Real, m.C2Imag, m.N} {
		binary.BigEndian.PutUint64(b[16+8*i:], math.Float64bits(v))
	}
}

func decodeParameterBody(b []byte) ParameterMessage {
	var f [5]float64
	for i := range f {
		f[i] = math.Float64frombits(binary.BigEndian.Uint64(b[16+8*i:]))
	}
	return ParameterMessage{
		Width:         binary.BigEndian.Uint32(b[0:]),
		Height:        binary.BigEndian.Uint32(b[4:]),
		MaxIterations: binary.BigEndian.Uint32(b[8:]),
		Algorithm:     binary.BigEndian.Uint32(b[12:]),
		C1Real:        f[0],
		C1Imag:        f[1],
		C2Real:        f[2],
		C2Imag:        f[3],
		N:             f[4],
	}
}

// DataMessage carries up to MaxPoints consecutive points, starting at
// (StartX, StartY) and wrapping at the end of each row.
type DataMessage struct {
	StartX uint32
	StartY uint32
	Points []uint32
}

// Finalizer returns the Data message that ends a tile.
func Finalizer() DataMessage {
	return DataMessage{StartX: finalizerStart, StartY: finalizerStart}
}

// Final reports whether m is the finalizer.
func (m DataMessage) Final() bool {
	return len(m.Points) == 0 && m.StartX == finalizerStart && m.StartY == finalizerStart
}

// Validate checks m against the size of the tile it belongs to.
func (m DataMessage) Validate(width, height int) error {
	if m.Final() {
		return nil
	}
	switch {
	case len(m.Points) > MaxPoints:
		return fmt.Errorf("%w: %d points", ErrInvalidData, len(m.Points))
	case int64(m.StartX) >= int64(width):
		return fmt.Errorf("%w: start x %d outside width %d", ErrInvalidData, m.StartX, width)
	case int64(m.StartY) >= int64(height):
		return fmt.Errorf("%w: start y %d outside height %d", ErrInvalidData, m.StartY, height)
	}
	return nil
}

// EncodeData serializes a Data message.
func EncodeData(m DataMessage) []byte {
	size := dataHeaderSize + 4*len(m.Points)
	buf := make([]byte, size)
	putHeader(buf, TypeData, size)
	b := buf[headerSize:]
	binary.BigEndian.PutUint32(b[0:], m.StartX)
	binary.BigEndian.PutUint32(b[4:], m.StartY)
	binary.BigEndian.PutUint32(b[8:], uint32(len(m.Points)))
	for i, p := range m.Points {
		binary.BigEndian.PutUint32(b[12+4*i:], p)
	}
	return buf
}

// DecodeData parses a Data message.
func DecodeData(buf []byte) (DataMessage, error) {
	if err := checkHeader(buf, TypeData, dataHeaderSize); err != nil {
		return DataMessage{}, err
	}
	b := buf[headerSize:]
	m := DataMessage{
		StartX: binary.BigEndian.Uint32(b[0:]),
		StartY: binary.BigEndian.Uint32(b[4:]),
	}
	points := binary.BigEndian.Uint32(b[8:])
	if points > MaxPoints {
		return DataMessage{}, fmt.Errorf("%w: %d points", ErrInvalidData, points)
	}
	if len(buf) < dataHeaderSize+4*int(points) {
		return DataMessage{}, ErrShortMessage
	}
	if points > 0 {
		m.Points = make([]uint32, points)
		for i := range m.Points {
			m.Points[i] = binary.BigEndian.Uint32(b[12+4*i:])
		}
	}
	return m, nil
}

// CookieMessage is the resume state of a tile: its parameters and the first
// point not sent yet.
type CookieMessage struct {
	Parameter ParameterMessage
	CurrentX  uint32
	CurrentY  uint32
}

// Checkpoint returns the cookie position.
func (m CookieMessage) Checkpoint() types.Checkpoint {
	return types.Checkpoint{X: int(m.CurrentX), Y: int(m.CurrentY)}
}

// Validate checks that the position lies inside the tile. (0, Height) is
// valid: every point was sent and only the finalizer is missing.
func (m CookieMessage) Validate() error {
	width, height := int64(m.Parameter.Width), int64(m.Parameter.Height)
	x, y := int64(m.CurrentX), int64(m.CurrentY)
	switch {
	case x >= width:
		return fmt.Errorf("%w: cookie x %d outside width %d", ErrInvalidData, x, width)
	case y > height || (y == height && x != 0):
		return fmt.Errorf("%w: cookie at (%d,%d) outside height %d", ErrInvalidData, x, y, height)
	}
	return nil
}

// EncodeCookie serializes a Cookie message.
func EncodeCookie(m CookieMessage) []byte {
	buf := make([]byte, cookieSize)
	putHeader(buf, TypeCookie, cookieSize)
	putParameterBody(buf[headerSize:], m.Parameter)
	binary.BigEndian.PutUint32(buf[parameterSize:], m.CurrentX)
	binary.BigEndian.PutUint32(buf[parameterSize+4:], m.CurrentY)
	return buf
}

// DecodeCookie parses a Cookie message.
func DecodeCookie(buf []byte) (CookieMessage, error) {
	if err := checkHeader(buf, TypeCookie, cookieSize); err != nil {
		return CookieMessage{}, err
	}
	return CookieMessage{
		Parameter: decodeParameterBody(buf[headerSize:]),
		CurrentX:  binary.BigEndian.Uint32(buf[parameterSize:]),
		CurrentY:  binary.BigEndian.Uint32(buf[parameterSize+4:]),
	}, nil
}

// MessageType returns the type of an encoded message.
func MessageType(buf []byte) (uint8, error) {
	if len(buf) < headerSize {
		return 0, ErrShortMessage
	}
	return buf[0], nil
}

func putHeader(buf []byte, msgType uint8, length int) {
	buf[0] = msgType
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:], uint16(length))
}

func checkHeader(buf []byte, msgType uint8, minSize int) error {
	if len(buf) < minSize {
		return ErrShortMessage
	}
	if buf[0] != msgType {
		return fmt.Errorf("%w: 0x%02x", ErrMessageType, buf[0])
	}
	return nil
}
