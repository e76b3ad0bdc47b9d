package cluster

import (
	"context"

	"google.golang.org/grpc"

	"github.com/cuemby/strata/internal/strata"
)

// LeafClient is the client-side handle to one peer's LeafService, bound to
// the "strata-json" codec so calls don't need protoc-generated stubs.
type LeafClient struct {
	conn *grpc.ClientConn
}

// NewLeafClient wraps an already-dialed connection.
func NewLeafClient(conn *grpc.ClientConn) *LeafClient {
	return &LeafClient{conn: conn}
}

var callCodec = grpc.CallContentSubtype(CodecName)

// LeafSearch invokes the LeafSearch unary RPC.
func (c *LeafClient) LeafSearch(ctx context.Context, req *strata.LeafSearchRequest) (*strata.LeafSearchResponse, error) {
	resp := new(strata.LeafSearchResponse)
	if err := c.conn.Invoke(ctx, ServiceName+"/LeafSearch", req, resp, callCodec); err != nil {
		return nil, err
	}
	return resp, nil
}

// FetchDocs invokes the FetchDocs unary RPC.
func (c *LeafClient) FetchDocs(ctx context.Context, req *strata.FetchDocsRequest) (*strata.FetchDocsResponse, error) {
	resp := new(strata.FetchDocsResponse)
	if err := c.conn.Invoke(ctx, ServiceName+"/FetchDocs", req, resp, callCodec); err != nil {
		return nil, err
	}
	return resp, nil
}

// LeafSearchStreamClient receives the chunked byte stream of the streaming
// search variant.
type LeafSearchStreamClient struct {
	grpc.ClientStream
}

// Recv blocks for the next chunk, returning io.EOF once the leaf's handler
// returns and the stream closes; Final marks the end of one split's chunk.
func (x *LeafSearchStreamClient) Recv() (*strata.LeafSearchStreamChunk, error) {
	chunk := new(strata.LeafSearchStreamChunk)
	if err := x.ClientStream.RecvMsg(chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

// LeafSearchStream opens the server-streaming RPC.
func (c *LeafClient) LeafSearchStream(ctx context.Context, req *strata.LeafSearchRequest) (*LeafSearchStreamClient, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, ServiceName+"/LeafSearchStream", callCodec)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &LeafSearchStreamClient{ClientStream: stream}, nil
}
