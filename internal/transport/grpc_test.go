package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/fractalpool/internal/fractal"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

const bufAddress = "passthrough:///bufnet"

// startElement runs an element on an in-memory listener and returns a
// transport dialing it.
func startElement(t *testing.T, cfg ElementConfig) (*Element, *GRPC) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	elem := NewElement(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = elem.Serve(ctx, lis)
	}()

	tr := NewGRPC(zap.NewNop(), nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)

	t.Cleanup(func() {
		_ = tr.Close()
		cancel()
		<-done
	})
	return elem, tr
}

func testRequest(unit types.UnitID, tile types.Tile, algorithm types.Algorithm) Request {
	p := fractal.DefaultParameter(64, 64)
	p.MaxIterations = 32
	p.Algorithm = algorithm
	return Request{UnitID: unit, Tile: tile, Parameter: fractal.TileParameter(p, tile)}
}

func collect(t *testing.T, s Stream) ([]types.Packet, error) {
	t.Helper()
	var packets []types.Packet
	for {
		pkt, err := s.Recv()
		if err != nil {
			return packets, err
		}
		packets = append(packets, pkt)
	}
}

func TestGRPCCalculateTile(t *testing.T) {
	elem, tr := startElement(t, ElementConfig{ID: 0x1234})
	tile := types.Tile{X: 0, Y: 0, Width: 40, Height: 20}
	req := testRequest(7, tile, types.AlgorithmTest)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := tr.Request(ctx, types.PoolElement{ID: 0x1234, Address: bufAddress}, req)
	require.NoError(t, err)
	defer stream.Close()

	packets, err := collect(t, stream)
	assert.ErrorIs(t, err, io.EOF)
	require.NotEmpty(t, packets)

	last := packets[len(packets)-1]
	assert.True(t, last.Final)

	image := make([]uint32, tile.Points())
	points := 0
	for _, pkt := range packets {
		assert.Equal(t, types.UnitID(7), pkt.UnitID, "packets carry the echoed unit")
		assert.Equal(t, types.ElementID(0x1234), pkt.ElementID)
		assert.LessOrEqual(t, len(pkt.Points), MaxPoints)
		copy(image[pkt.StartY*tile.Width+pkt.StartX:], pkt.Points)
		points += len(pkt.Points)
	}
	assert.Equal(t, tile.Points(), points)
	for y := 0; y < tile.Height; y++ {
		for x := 0; x < tile.Width; x++ {
			assert.Equal(t, uint32((x*y)%256), image[y*tile.Width+x])
		}
	}

	assert.Eventually(t, func() bool { return elem.Served() == 1 }, time.Second, 10*time.Millisecond)
}

func TestGRPCMandelbrotMatchesLocal(t *testing.T) {
	_, tr := startElement(t, ElementConfig{ID: 1})
	tile := types.Tile{X: 16, Y: 16, Width: 32, Height: 16}
	req := testRequest(1, tile, types.AlgorithmMandelbrot)

	stream, err := tr.Request(context.Background(), types.PoolElement{ID: 1, Address: bufAddress}, req)
	require.NoError(t, err)
	defer stream.Close()

	packets, err := collect(t, stream)
	require.ErrorIs(t, err, io.EOF)

	for _, pkt := range packets {
		for i, v := range pkt.Points {
			at := pkt.StartY*tile.Width + pkt.StartX + i
			assert.Equal(t, fractal.Point(req.Parameter, at%tile.Width, at/tile.Width), v)
		}
	}
}

func TestGRPCFailureAfter(t *testing.T) {
	_, tr := startElement(t, ElementConfig{ID: 2, FailureAfter: 2})
	tile := types.Tile{Width: 64, Height: 64}

	stream, err := tr.Request(context.Background(), types.PoolElement{ID: 2, Address: bufAddress},
		testRequest(3, tile, types.AlgorithmTest))
	require.NoError(t, err, "the element acknowledges before failing")
	defer stream.Close()

	packets, err := collect(t, stream)
	assert.ErrorIs(t, err, types.ErrTransportFailure)
	assert.False(t, errors.Is(err, types.ErrElementUnreachable), "the request was delivered")
	require.Len(t, packets, 3)
	for _, pkt := range packets[:2] {
		assert.False(t, pkt.Final)
		assert.False(t, pkt.Resume)
	}

	// the element leaves a cookie behind before it disconnects
	cookie := packets[2]
	assert.True(t, cookie.Resume)
	assert.Empty(t, cookie.Points)
	assert.Equal(t, types.CheckpointAt(2*MaxPoints, tile.Width), types.Checkpoint{X: cookie.StartX, Y: cookie.StartY})
}

func TestGRPCCookieInterval(t *testing.T) {
	_, tr := startElement(t, ElementConfig{ID: 8, CookiePackets: 2})
	tile := types.Tile{Width: 64, Height: 32}

	stream, err := tr.Request(context.Background(), types.PoolElement{ID: 8, Address: bufAddress},
		testRequest(1, tile, types.AlgorithmTest))
	require.NoError(t, err)
	defer stream.Close()

	packets, err := collect(t, stream)
	require.ErrorIs(t, err, io.EOF)

	sent := 0
	var cookies []types.Checkpoint
	for _, pkt := range packets {
		if pkt.Resume {
			cookies = append(cookies, types.Checkpoint{X: pkt.StartX, Y: pkt.StartY})
			assert.Equal(t, sent, types.Checkpoint{X: pkt.StartX, Y: pkt.StartY}.Offset(tile.Width),
				"a cookie points right behind the last point sent")
			continue
		}
		sent += len(pkt.Points)
	}
	// 2048 points fill 7 packets: cookies after the 2nd, 4th and 6th
	assert.Len(t, cookies, 3)
}

func TestGRPCResumeFromCookie(t *testing.T) {
	elem, tr := startElement(t, ElementConfig{ID: 9})
	tile := types.Tile{Width: 40, Height: 30}
	req := testRequest(4, tile, types.AlgorithmTest)
	req.Resume = types.Checkpoint{X: 10, Y: 20}
	from := req.Resume.Offset(tile.Width)

	stream, err := tr.Request(context.Background(), types.PoolElement{ID: 9, Address: bufAddress}, req)
	require.NoError(t, err)
	defer stream.Close()

	packets, err := collect(t, stream)
	require.ErrorIs(t, err, io.EOF)
	require.NotEmpty(t, packets)
	assert.True(t, packets[len(packets)-1].Final)

	first := packets[0]
	assert.Equal(t, from, first.StartY*tile.Width+first.StartX, "the tile continues at the cookie")
	points := 0
	for _, pkt := range packets {
		for i, v := range pkt.Points {
			at := pkt.StartY*tile.Width + pkt.StartX + i
			assert.Equal(t, uint32(((at%tile.Width)*(at/tile.Width))%256), v)
		}
		points += len(pkt.Points)
	}
	assert.Equal(t, tile.Points()-from, points, "only the remaining points are sent")
	assert.Eventually(t, func() bool { return elem.Points() == int64(tile.Points()-from) }, time.Second, 10*time.Millisecond)
}

func TestGRPCInvalidCookie(t *testing.T) {
	_, tr := startElement(t, ElementConfig{ID: 10})
	req := testRequest(1, types.Tile{Width: 8, Height: 8}, types.AlgorithmTest)
	req.Resume = types.Checkpoint{X: 3, Y: 9}

	_, err := tr.Request(context.Background(), types.PoolElement{ID: 10, Address: bufAddress}, req)
	assert.ErrorIs(t, err, types.ErrElementRejected)
}

func TestGRPCBusyElement(t *testing.T) {
	elem, tr := startElement(t, ElementConfig{ID: 3, MaxSessions: 1})
	elem.active.Store(1) // one calculation already running

	_, err := tr.Request(context.Background(), types.PoolElement{ID: 3, Address: bufAddress},
		testRequest(1, types.Tile{Width: 8, Height: 8}, types.AlgorithmTest))
	assert.ErrorIs(t, err, types.ErrElementRejected)
	assert.False(t, errors.Is(err, types.ErrTransportFailure), "a busy element is alive")
}

func TestGRPCInvalidParameter(t *testing.T) {
	_, tr := startElement(t, ElementConfig{ID: 4})

	_, err := tr.Request(context.Background(), types.PoolElement{ID: 4, Address: bufAddress},
		Request{UnitID: 1})
	assert.ErrorIs(t, err, types.ErrElementRejected)
	assert.False(t, errors.Is(err, types.ErrElementUnreachable))
}

func TestGRPCUnreachableAddress(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := lis.Addr().String()
	require.NoError(t, lis.Close())

	tr := NewGRPC(zap.NewNop(), nil)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = tr.Request(ctx, types.PoolElement{ID: 5, Address: address},
		testRequest(1, types.Tile{Width: 8, Height: 8}, types.AlgorithmTest))
	assert.ErrorIs(t, err, types.ErrTransportFailure)
	assert.ErrorIs(t, err, types.ErrElementUnreachable, "nothing listens on the address")
}

func TestGRPCCancelCause(t *testing.T) {
	_, tr := startElement(t, ElementConfig{ID: 6})
	// large enough that flow control stalls the element long before the end
	tile := types.Tile{Width: 512, Height: 512}

	ctx, cancel := context.WithCancelCause(context.Background())
	stream, err := tr.Request(ctx, types.PoolElement{ID: 6, Address: bufAddress},
		testRequest(1, tile, types.AlgorithmTest))
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	require.NoError(t, err)

	cancel(types.ErrRequestTimeout)
	for err == nil {
		_, err = stream.Recv()
	}
	assert.ErrorIs(t, err, types.ErrRequestTimeout, "the cancellation cause is surfaced")
	assert.False(t, errors.Is(err, io.EOF))
}

func TestGRPCConnectionCache(t *testing.T) {
	_, tr := startElement(t, ElementConfig{ID: 7})

	a, err := tr.conn(bufAddress)
	require.NoError(t, err)
	b, err := tr.conn(bufAddress)
	require.NoError(t, err)
	assert.Same(t, a, b)

	tr.Forget(bufAddress)
	c, err := tr.conn(bufAddress)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}
