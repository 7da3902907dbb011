package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/fractalpool/internal/fractal"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// ElementConfig configures a pool element server.
type ElementConfig struct {
	ID types.ElementID
	// MaxSessions bounds concurrent calculations; 0 means unbounded.
	MaxSessions int
	// FailureAfter makes the element drop every calculation after that many
	// data packets. 0 disables failure injection.
	FailureAfter int
	// TestMode replaces every algorithm with the (x·y) mod 256 pattern.
	TestMode bool
	// CookiePackets is the number of data packets between two cookies. 0 means
	// DefaultCookiePackets; negative disables cookies.
	CookiePackets int
}

// DefaultCookiePackets is the cookie interval when none is configured.
const DefaultCookiePackets = 10

// Element is a pool element: it calculates requested tiles and streams the
// points back in FGP Data messages.
type Element struct {
	cfg    ElementConfig
	logger *zap.Logger

	active    atomic.Int32
	served    atomic.Int64
	points    atomic.Int64
	sessionID atomic.Uint64
}

// NewElement creates a pool element.
func NewElement(cfg ElementConfig, logger *zap.Logger) *Element {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CookiePackets == 0 {
		cfg.CookiePackets = DefaultCookiePackets
	}
	return &Element{
		cfg:    cfg,
		logger: logger.Named("element").With(zap.Stringer("element", cfg.ID)),
	}
}

// ID returns the element identifier.
func (e *Element) ID() types.ElementID { return e.cfg.ID }

// Load is the fraction of session slots in use, or the number of active
// sessions when unbounded.
func (e *Element) Load() float64 {
	active := float64(e.active.Load())
	if e.cfg.MaxSessions <= 0 {
		return active
	}
	return active / float64(e.cfg.MaxSessions)
}

// Served returns the number of tiles calculated to completion.
func (e *Element) Served() int64 { return e.served.Load() }

// Points returns the number of points sent, over all requests.
func (e *Element) Points() int64 { return e.points.Load() }

// Register attaches the element to a gRPC server.
func (e *Element) Register(s *grpc.Server) {
	s.RegisterService(&serviceDesc, e)
}

// Serve runs a gRPC server for the element on lis until ctx is done.
func (e *Element) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	e.Register(srv)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	e.logger.Info("pool element listening", zap.String("address", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("serve pool element: %w", err)
	}
	return nil
}

// Calculate serves one tile request. The request is a Parameter message, or
// a Cookie echo when another element already sent part of the tile.
func (e *Element) Calculate(req *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	msg, from, err := decodeRequest(req.GetValue())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "request message: %v", err)
	}
	param := msg.Parameter()
	if param.Width <= 0 || param.Height <= 0 {
		return status.Errorf(codes.InvalidArgument, "empty tile %dx%d", param.Width, param.Height)
	}
	if e.cfg.TestMode {
		param.Algorithm = types.AlgorithmTest
	}

	active := e.active.Add(1)
	defer e.active.Add(-1)
	if e.cfg.MaxSessions > 0 && int(active) > e.cfg.MaxSessions {
		return status.Errorf(codes.ResourceExhausted, "element %s busy", e.cfg.ID)
	}

	unit := ""
	if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
		if v := md.Get(mdUnit); len(v) > 0 {
			unit = v[0]
		}
	}
	header := metadata.Pairs(mdElement, strconv.FormatUint(uint64(e.cfg.ID), 10))
	if unit != "" {
		header.Append(mdUnit, unit)
	}
	if err := stream.SendHeader(header); err != nil {
		return err
	}

	session := e.sessionID.Add(1)
	log := e.logger.With(zap.Uint64("session", session), zap.String("unit", unit))
	log.Debug("calculation started",
		zap.Int("width", param.Width),
		zap.Int("height", param.Height),
		zap.Int("from_x", from.X),
		zap.Int("from_y", from.Y),
		zap.String("algorithm", fractal.AlgorithmName(param.Algorithm)))

	next := from.Offset(param.Width)
	packets, sinceCookie := 0, 0
	sendCookie := func() error {
		sinceCookie = 0
		cp := types.CheckpointAt(next, param.Width)
		return stream.SendMsg(&wrapperspb.BytesValue{Value: EncodeCookie(CookieMessage{
			Parameter: msg,
			CurrentX:  uint32(cp.X),
			CurrentY:  uint32(cp.Y),
		})})
	}
	send := func(m DataMessage) error {
		if err := stream.SendMsg(&wrapperspb.BytesValue{Value: EncodeData(m)}); err != nil {
			return err
		}
		packets++
		sinceCookie++
		next += len(m.Points)
		e.points.Add(int64(len(m.Points)))

		if e.cfg.FailureAfter > 0 && packets >= e.cfg.FailureAfter {
			if e.cfg.CookiePackets > 0 {
				_ = sendCookie()
			}
			log.Warn("failure tester: disconnecting", zap.Int("packets", packets))
			return status.Errorf(codes.Unavailable, "failure tester: disconnecting after %d packets", packets)
		}
		if e.cfg.CookiePackets > 0 && sinceCookie >= e.cfg.CookiePackets {
			return sendCookie()
		}
		return nil
	}

	data := DataMessage{Points: make([]uint32, 0, MaxPoints)}
	err = fractal.RenderFrom(stream.Context(), param, from, func(x, y int, value uint32) error {
		if len(data.Points) == 0 {
			data.StartX, data.StartY = uint32(x), uint32(y)
		}
		data.Points = append(data.Points, value)
		if len(data.Points) < MaxPoints {
			return nil
		}
		err := send(data)
		data.Points = data.Points[:0]
		return err
	})
	if err == nil && len(data.Points) > 0 {
		err = send(data)
	}
	if err != nil {
		if s, ok := status.FromError(err); ok {
			return s.Err()
		}
		log.Debug("calculation aborted", zap.Error(err))
		return status.FromContextError(err).Err()
	}

	if err := stream.SendMsg(&wrapperspb.BytesValue{Value: EncodeData(Finalizer())}); err != nil {
		return err
	}
	e.served.Add(1)
	log.Debug("calculation completed", zap.Int("packets", packets))
	return nil
}

// decodeRequest parses the request message and returns where to start.
func decodeRequest(buf []byte) (ParameterMessage, types.Checkpoint, error) {
	typ, err := MessageType(buf)
	if err != nil {
		return ParameterMessage{}, types.Checkpoint{}, err
	}
	if typ != TypeCookie {
		msg, err := DecodeParameter(buf)
		return msg, types.Checkpoint{}, err
	}
	cookie, err := DecodeCookie(buf)
	if err == nil {
		err = cookie.Validate()
	}
	if err != nil {
		return ParameterMessage{}, types.Checkpoint{}, err
	}
	return cookie.Parameter, cookie.Checkpoint(), nil
}
