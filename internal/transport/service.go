package transport

import (
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The FractalGenerator service has a single server-streaming method. Both
// directions carry raw FGP messages wrapped in BytesValue, so no generated
// code is needed.
const (
	serviceName     = "fgp.FractalGenerator"
	calculateMethod = "/" + serviceName + "/Calculate"

	// Metadata keys. The client names the unit, the element echoes it back in
	// its response header together with its own identifier.
	mdUnit    = "fgp-unit"
	mdElement = "fgp-element"
)

// generatorServer is implemented by Element.
type generatorServer interface {
	Calculate(req *wrapperspb.BytesValue, stream grpc.ServerStream) error
}

var calculateStreamDesc = grpc.StreamDesc{
	StreamName:    "Calculate",
	Handler:       calculateHandler,
	ServerStreams: true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*generatorServer)(nil),
	Streams:     []grpc.StreamDesc{calculateStreamDesc},
	Metadata:    "fgp.proto",
}

func calculateHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(generatorServer).Calculate(req, stream)
}
