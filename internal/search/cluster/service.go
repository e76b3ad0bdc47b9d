package cluster

import (
	"context"

	"google.golang.org/grpc"

	"github.com/cuemby/strata/internal/strata"
)

// LeafService is what a leaf node exposes over the wire: the grpc.Server
// side of SPEC_FULL §4.7/§4.8's LeafSearch/FetchDocs/LeafSearchStream RPCs.
// internal/search/leaf.Searcher implements this.
type LeafService interface {
	LeafSearch(ctx context.Context, req *strata.LeafSearchRequest) (*strata.LeafSearchResponse, error)
	FetchDocs(ctx context.Context, req *strata.FetchDocsRequest) (*strata.FetchDocsResponse, error)
	LeafSearchStream(req *strata.LeafSearchRequest, stream LeafSearchStreamSender) error
}

// LeafSearchStreamSender is the server side of the streaming variant — the
// part of grpc.ServerStream a handler needs, narrowed to one typed Send.
type LeafSearchStreamSender interface {
	Send(*strata.LeafSearchStreamChunk) error
	Context() context.Context
}

type leafSearchStreamServer struct {
	grpc.ServerStream
}

func (x *leafSearchStreamServer) Send(chunk *strata.LeafSearchStreamChunk) error {
	return x.ServerStream.SendMsg(chunk)
}

func leafSearchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(strata.LeafSearchRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LeafService).LeafSearch(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/LeafSearch"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LeafService).LeafSearch(ctx, req.(*strata.LeafSearchRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func fetchDocsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(strata.FetchDocsRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LeafService).FetchDocs(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/FetchDocs"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LeafService).FetchDocs(ctx, req.(*strata.FetchDocsRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func leafSearchStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(strata.LeafSearchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(LeafService).LeafSearchStream(req, &leafSearchStreamServer{ServerStream: stream})
}

// ServiceName is this domain's gRPC service path, in place of a
// protoc-generated one.
const ServiceName = "strata.search.LeafService"

// ServiceDesc is the hand-authored equivalent of what protoc-gen-go-grpc
// would emit from a .proto file — there is none in this pack, so the
// method table is built directly against LeafService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LeafService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LeafSearch", Handler: leafSearchHandler},
		{MethodName: "FetchDocs", Handler: fetchDocsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "LeafSearchStream", Handler: leafSearchStreamHandler, ServerStreams: true},
	},
	Metadata: "internal/search/cluster/service.go",
}

// RegisterLeafService registers srv's RPCs on s.
func RegisterLeafService(s *grpc.Server, srv LeafService) {
	s.RegisterService(&ServiceDesc, srv)
}
