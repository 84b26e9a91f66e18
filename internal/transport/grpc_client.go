package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

// DefaultGRPCMethod is the bidirectional stream that mirrors /ws/connect.
const DefaultGRPCMethod = "/jarvis.channel.v1.Channel/Connect"

// Frame is the gRPC message: one envelope's wire bytes.
type Frame struct {
	Data []byte `cbor:"1,keyasint"`
}

var (
	frameEncMode cbor.EncMode
	frameDecMode cbor.DecMode
)

func init() {
	var err error
	frameEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: cbor encoder: " + err.Error())
	}
	frameDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("transport: cbor decoder: " + err.Error())
	}
	encoding.RegisterCodec(FrameCodec{})
}

// FrameCodec is the gRPC codec for Frame, registered as content-subtype "cbor".
type FrameCodec struct{}

func (FrameCodec) Name() string { return "cbor" }

func (FrameCodec) Marshal(v any) ([]byte, error) {
	return frameEncMode.Marshal(v)
}

func (FrameCodec) Unmarshal(data []byte, v any) error {
	return frameDecMode.Unmarshal(data, v)
}

type GRPCDialer struct {
	logger    *slog.Logger
	addr      string
	tlsConfig *tls.Config
	token     string
	method    string
}

func NewGRPCDialer(addr string, tlsCfg *tls.Config, token, method string, logger *slog.Logger) *GRPCDialer {
	if method == "" {
		method = DefaultGRPCMethod
	}
	return &GRPCDialer{
		logger:    logger,
		addr:      addr,
		tlsConfig: tlsCfg,
		token:     token,
		method:    method,
	}
}

func (d *GRPCDialer) Dial(ctx context.Context) (Conn, error) {
	var creds credentials.TransportCredentials
	if d.tlsConfig != nil {
		creds = credentials.NewTLS(d.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}
	cc, err := grpc.NewClient(
		d.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(FrameCodec{}), grpc.CallContentSubtype(FrameCodec{}.Name())),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", d.addr, err)
	}

	// The stream outlives ctx; ctx only bounds stream setup.
	streamCtx, cancel := context.WithCancel(context.Background())
	if d.token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+d.token)
	}
	stop := context.AfterFunc(ctx, cancel)
	s, err := cc.NewStream(streamCtx, &grpc.StreamDesc{ClientStreams: true, ServerStreams: true}, d.method, grpc.WaitForReady(false))
	stop()
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("open grpc stream %s: %w", d.method, err)
	}
	d.logger.Debug("grpc stream opened", "addr", d.addr, "method", d.method)
	return &grpcConn{cc: cc, stream: s, cancel: cancel}, nil
}

type grpcConn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	once   sync.Once
}

func (c *grpcConn) Read(ctx context.Context) ([]byte, error) {
	var f Frame
	if err := c.stream.RecvMsg(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return f.Data, nil
}

// Write ignores ctx: gRPC SendMsg is bounded by the stream context.
func (c *grpcConn) Write(_ context.Context, data []byte) error {
	return c.stream.SendMsg(&Frame{Data: data})
}

func (c *grpcConn) Close(reason string) error {
	var err error
	c.once.Do(func() {
		_ = c.stream.CloseSend()
		c.cancel()
		err = c.cc.Close()
	})
	return err
}
