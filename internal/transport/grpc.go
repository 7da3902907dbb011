package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/fractalpool/internal/metrics"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// GRPC is a Transport that reaches pool elements over gRPC. One client
// connection is kept per element address.
type GRPC struct {
	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	dialOpts []grpc.DialOption
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// NewGRPC creates a gRPC transport. Without dial options connections are
// insecure.
func NewGRPC(logger *zap.Logger, collector *metrics.Collector, opts ...grpc.DialOption) *GRPC {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPC{
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: opts,
		logger:   logger.Named("transport"),
		metrics:  collector,
	}
}

func (t *GRPC) conn(address string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: dial %s: %v", types.ErrTransportFailure, types.ErrElementUnreachable, address, err)
	}
	t.conns[address] = conn
	return conn, nil
}

// Forget closes the cached connection to address, e.g. after the element left
// the pool.
func (t *GRPC) Forget(address string) {
	t.mu.Lock()
	conn, ok := t.conns[address]
	delete(t.conns, address)
	t.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
}

// Close closes every cached connection.
func (t *GRPC) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for address, conn := range t.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(t.conns, address)
	}
	return errors.Join(errs...)
}

// Request implements Transport.
func (t *GRPC) Request(ctx context.Context, element types.PoolElement, req Request) (Stream, error) {
	conn, err := t.conn(element.Address)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, mdUnit, strconv.Itoa(int(req.UnitID)))

	cs, err := conn.NewStream(streamCtx, &calculateStreamDesc, calculateMethod)
	if err != nil {
		cancel()
		return nil, classifyRequest(ctx, err)
	}

	msg := &wrapperspb.BytesValue{Value: EncodeRequest(req)}
	if err := cs.SendMsg(msg); err != nil {
		cancel()
		return nil, classifyRequest(ctx, recvStatus(cs, err))
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, classifyRequest(ctx, err)
	}

	// The element acknowledges by sending its response header.
	md, err := cs.Header()
	if err != nil {
		cancel()
		return nil, classifyRequest(ctx, err)
	}
	if md == nil {
		cancel()
		return nil, classifyRequest(ctx, recvStatus(cs, io.EOF))
	}

	elementID := element.ID
	if v := md.Get(mdElement); len(v) > 0 {
		if id, err := strconv.ParseUint(v[0], 10, 32); err == nil {
			elementID = types.ElementID(id)
		}
	}
	unitID := req.UnitID
	if v := md.Get(mdUnit); len(v) > 0 {
		if id, err := strconv.Atoi(v[0]); err == nil {
			unitID = types.UnitID(id)
		}
	}

	return &grpcStream{
		ctx:     ctx,
		cs:      cs,
		cancel:  cancel,
		unit:    unitID,
		element: elementID,
		width:   req.Parameter.Width,
		height:  req.Parameter.Height,
		logger:  t.logger,
		metrics: t.metrics,
	}, nil
}

type grpcStream struct {
	ctx     context.Context
	cs      grpc.ClientStream
	cancel  context.CancelFunc
	unit    types.UnitID
	element types.ElementID
	width   int
	height  int
	final   bool
	logger  *zap.Logger
	metrics *metrics.Collector
}

func (s *grpcStream) Recv() (types.Packet, error) {
	if s.final {
		return types.Packet{}, io.EOF
	}
	for {
		msg := new(wrapperspb.BytesValue)
		if err := s.cs.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return types.Packet{}, fmt.Errorf("%w: stream from %s ended before the finalizer",
					types.ErrTransportFailure, s.element)
			}
			return types.Packet{}, classify(s.ctx, err)
		}

		if typ, err := MessageType(msg.Value); err == nil && typ == TypeCookie {
			cookie, err := s.cookie(msg.Value)
			if err != nil {
				s.metrics.RecordDiscarded()
				s.logger.Warn("discarding invalid cookie",
					zap.Stringer("element", s.element), zap.Error(err))
				continue
			}
			cp := cookie.Checkpoint()
			return types.Packet{
				UnitID:    s.unit,
				ElementID: s.element,
				StartX:    cp.X,
				StartY:    cp.Y,
				Resume:    true,
			}, nil
		}

		data, err := DecodeData(msg.Value)
		if err == nil {
			err = data.Validate(s.width, s.height)
		}
		if err != nil {
			s.metrics.RecordDiscarded()
			s.logger.Warn("discarding invalid data message",
				zap.Stringer("element", s.element), zap.Error(err))
			continue
		}

		pkt := types.Packet{
			UnitID:    s.unit,
			ElementID: s.element,
			StartX:    int(data.StartX),
			StartY:    int(data.StartY),
			Points:    data.Points,
		}
		if data.Final() {
			s.final = true
			pkt.StartX, pkt.StartY = 0, 0
			pkt.Final = true
		}
		return pkt, nil
	}
}

func (s *grpcStream) cookie(buf []byte) (CookieMessage, error) {
	cookie, err := DecodeCookie(buf)
	if err != nil {
		return CookieMessage{}, err
	}
	if int(cookie.Parameter.Width) != s.width || int(cookie.Parameter.Height) != s.height {
		return CookieMessage{}, fmt.Errorf("%w: cookie for a %dx%d tile", ErrInvalidData,
			cookie.Parameter.Width, cookie.Parameter.Height)
	}
	return cookie, cookie.Validate()
}

func (s *grpcStream) Close() error {
	s.cancel()
	return nil
}

// recvStatus recovers the real status after a send failed: gRPC reports it
// on the receive side.
func recvStatus(cs grpc.ClientStream, err error) error {
	if err != io.EOF {
		return err
	}
	if rerr := cs.RecvMsg(new(wrapperspb.BytesValue)); rerr != nil && rerr != io.EOF {
		return rerr
	}
	return fmt.Errorf("%w: stream closed without acknowledgement", types.ErrTransportFailure)
}

// EncodeRequest serializes the request message of req: a Parameter message
// for a fresh start, a Cookie echo to resume.
func EncodeRequest(req Request) []byte {
	param := NewParameterMessage(req.Parameter)
	if req.Resume.IsZero() {
		return EncodeParameter(param)
	}
	return EncodeCookie(CookieMessage{
		Parameter: param,
		CurrentX:  uint32(req.Resume.X),
		CurrentY:  uint32(req.Resume.Y),
	})
}

// classifyRequest maps an error seen before the acknowledgement. An
// unavailable element never got the request.
func classifyRequest(ctx context.Context, err error) error {
	if context.Cause(ctx) == nil && status.Code(err) == codes.Unavailable {
		return fmt.Errorf("%w: %w: %v", types.ErrTransportFailure, types.ErrElementUnreachable, err)
	}
	return classify(ctx, err)
}

// classify maps a gRPC error to the transport error contract.
func classify(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("fgp request: %w", cause)
	}
	if errors.Is(err, types.ErrTransportFailure) || errors.Is(err, types.ErrRequestTimeout) {
		return err
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", types.ErrRequestTimeout, err)
	case codes.ResourceExhausted, codes.InvalidArgument:
		return fmt.Errorf("%w: %v", types.ErrElementRejected, err)
	default:
		return fmt.Errorf("%w: %v", types.ErrTransportFailure, err)
	}
}
