// Package grpc provides the gRPC ingestion API of the detector. Messages are
// plain Go structs carried by a JSON codec; no generated code is involved.
package grpc

import (
	"context"
	"net"
	"strings"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/scopeai/aidetector/internal/credential"
	dterrors "github.com/scopeai/aidetector/internal/errors"
	"github.com/scopeai/aidetector/internal/ingest"
	"github.com/scopeai/aidetector/pkg/types"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "aidetector.v1.IngestService"
	// IngestFullMethod is the full method name of Ingest.
	IngestFullMethod = "/" + ServiceName + "/Ingest"

	// IngestKeyMetadata carries the tenant ingest credential.
	IngestKeyMetadata = "x-ingest-key"
	// RequestIDMetadata carries an optional caller request id.
	RequestIDMetadata = "x-request-id"
)

// IngestRequest mirrors ingest.Payload on the wire.
type IngestRequest struct {
	UA      *string `json:"ua"`
	Host    *string `json:"host,omitempty"`
	Path    *string `json:"path,omitempty"`
	Method  *string `json:"method,omitempty"`
	TS      *string `json:"ts,omitempty"`
	IP      *string `json:"ip,omitempty"`
	Country *string `json:"country,omitempty"`
	Colo    *string `json:"colo,omitempty"`
}

// IngestResponse is the result of an accepted ingestion.
type IngestResponse struct {
	OK        bool          `json:"ok"`
	Stored    bool          `json:"stored,omitempty"`
	Ignored   bool          `json:"ignored,omitempty"`
	Family    types.Family  `json:"family,omitempty"`
	Type      types.BotType `json:"type,omitempty"`
	RequestID string        `json:"request_id"`
}

// IngestServiceServer is the server API of the ingest service.
type IngestServiceServer interface {
	Ingest(ctx context.Context, req *IngestRequest) (*IngestResponse, error)
}

// IngestServiceDesc describes the ingest service for grpc.Server.
var IngestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Ingest",
			Handler:    ingestHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aidetector/v1/ingest.proto",
}

// RegisterIngestServiceServer registers srv on s.
func RegisterIngestServiceServer(s grpc.ServiceRegistrar, srv IngestServiceServer) {
	s.RegisterService(&IngestServiceDesc, srv)
}

func ingestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(IngestRequest)
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s: %v", dterrors.CodeMalformedPayload, err)
	}
	if interceptor == nil {
		return srv.(IngestServiceServer).Ingest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: IngestFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IngestServiceServer).Ingest(ctx, req.(*IngestRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// IngestServer implements IngestServiceServer on top of the ingestion
// service.
type IngestServer struct {
	svc    *ingest.Service
	logger slog.Logger
}

// NewIngestServer creates a new gRPC ingest server.
func NewIngestServer(svc *ingest.Service, logger slog.Logger) *IngestServer {
	return &IngestServer{
		svc:    svc,
		logger: logger.Named("grpc"),
	}
}

// Ingest authorizes and records one hit. The tenant defaults to the
// :authority hostname when the request names no host.
func (s *IngestServer) Ingest(ctx context.Context, req *IngestRequest) (*IngestResponse, error) {
	requestID := extractRequestID(ctx)

	key := credential.Normalize(firstMetadata(ctx, IngestKeyMetadata))
	res, err := s.svc.Ingest(ctx, ingest.Payload(*req), key, authorityHost(ctx))
	if err != nil {
		s.logger.Debug(ctx, "ingest rejected",
			slog.F("request_id", requestID),
			slog.F("code", dterrors.GetCode(err)),
		)
		return nil, ToStatus(err)
	}

	return &IngestResponse{
		OK:        true,
		Stored:    res.Stored,
		Ignored:   res.Ignored,
		Family:    res.Family,
		Type:      res.Type,
		RequestID: requestID,
	}, nil
}

// ToStatus maps a detector error to a gRPC status error. The status message
// is the error code.
func ToStatus(err error) error {
	code := dterrors.GetCode(err)
	switch dterrors.GetCategory(err) {
	case dterrors.ErrCategoryValidation:
		return status.Error(codes.InvalidArgument, code)
	case dterrors.ErrCategoryTenant, dterrors.ErrCategoryAuth:
		if code == dterrors.CodeHostNotAllowed {
			return status.Error(codes.PermissionDenied, code)
		}
		return status.Error(codes.Unauthenticated, code)
	case dterrors.ErrCategoryStorage:
		return status.Error(codes.Unavailable, code)
	default:
		return status.Error(codes.Internal, dterrors.CodeUnexpected)
	}
}

// UnaryServerInterceptor recovers handler panics and logs failed calls.
func UnaryServerInterceptor(logger slog.Logger) grpc.UnaryServerInterceptor {
	logger = logger.Named("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error(ctx, "handler panicked",
					slog.F("method", info.FullMethod),
					slog.F("panic", rec),
				)
				err = status.Error(codes.Internal, dterrors.CodeUnexpected)
			}
		}()

		resp, err = handler(ctx, req)
		if err != nil && status.Code(err) == codes.Internal {
			logger.Warn(ctx, "call failed",
				slog.F("method", info.FullMethod),
				slog.Error(err),
			)
		}
		return resp, err
	}
}

// IngestClient calls the ingest service.
type IngestClient struct {
	cc grpc.ClientConnInterface
}

// NewIngestClient creates a client on cc.
func NewIngestClient(cc grpc.ClientConnInterface) *IngestClient {
	return &IngestClient{cc: cc}
}

// Ingest sends req with the given ingest key.
func (c *IngestClient) Ingest(ctx context.Context, key string, req *IngestRequest, opts ...grpc.CallOption) (*IngestResponse, error) {
	if key != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, IngestKeyMetadata, key)
	}
	out := new(IngestResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, IngestFullMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if id := firstMetadata(ctx, RequestIDMetadata); id != "" {
		return id
	}
	return uuid.New().String()
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func authorityHost(ctx context.Context) string {
	authority := firstMetadata(ctx, ":authority")
	if h, _, err := net.SplitHostPort(authority); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]")
}
