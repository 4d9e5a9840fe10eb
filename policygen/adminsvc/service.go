// Package adminsvc exposes a gRPC introspection surface alongside the
// Policy Generator's plain-TCP Policy Channel (§4.4): a current-limits
// snapshot, a force-reload trigger, and per-user live usage, for operator
// tooling such as cmd/weirqosctl. The data-plane wire protocol to Edge
// Enforcers stays line-oriented text exactly as specified; gRPC is never
// spoken to an enforcer, only to operators.
//
// There is no .proto-generated stub here: requests and responses are
// generic structpb.Struct values, registered against a hand-written
// grpc.ServiceDesc. This keeps the admin surface self-contained without a
// build-time protoc step, at the cost of weaker typing than a compiled
// .proto would give — an acceptable trade for an internal operator tool.
package adminsvc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/weirqos/weirqos/policygen"
	"github.com/weirqos/weirqos/store"
	"github.com/weirqos/weirqos/userkey"
)

// ServiceName is the gRPC service name registered in the admin server's
// reflection and routing table.
const ServiceName = "weirqos.policygen.Admin"

// Server implements the admin RPCs against a live ConfigStore and the
// shared KV store.
type Server struct {
	config *policygen.ConfigStore
	store  store.Store
	logger *slog.Logger
}

// NewServer returns a Server ready to be registered on a *grpc.Server via
// RegisterService.
func NewServer(cfg *policygen.ConfigStore, st store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{config: cfg, store: st, logger: logger}
}

// Snapshot returns the currently loaded tier table, flattened to the same
// "user_<FIELD>" shape the configuration file itself uses.
func (s *Server) Snapshot(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	cfg := s.config.Current()
	tiers := make(map[string]any, len(cfg.Tiers))
	for name, tier := range cfg.Tiers {
		fields := make(map[string]any, len(tier.Verbs)+3)
		for verb, n := range tier.Verbs {
			fields["user_"+verb] = n
		}
		fields["user_bnd_up"] = tier.BytesUpPerSec
		fields["user_bnd_dwn"] = tier.BytesDownPerSec
		fields["user_conns"] = tier.MaxConcurrent
		tiers[name] = fields
	}

	out, err := structpb.NewStruct(map[string]any{
		"qos":            tiers,
		"user_to_qos_id": toAnyMap(cfg.UserToTier),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "adminsvc: encoding snapshot: %v", err)
	}
	return out, nil
}

// ForceReload re-reads the configuration file from disk immediately,
// bypassing the FIFO trigger (§4.3 Inputs (c)).
func (s *Server) ForceReload(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.config.Reload(); err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "adminsvc: reload failed: %v", err)
	}
	return structpb.NewStruct(map[string]any{"reloaded": true})
}

// UserUsage returns the requesting user's current tier assignment and
// effective limits. req must contain a "user_key" string field.
func (s *Server) UserUsage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userKey, ok := req.Fields["user_key"]
	if !ok || userKey.GetStringValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "adminsvc: user_key is required")
	}
	key := userKey.GetStringValue()
	if !userkey.Validate(key) {
		return nil, status.Error(codes.InvalidArgument, "adminsvc: user_key failed validation")
	}

	cfg := s.config.Current()
	tierName, hasMapping := cfg.UserToTier[key]
	if !hasMapping {
		tierName = userkey.DefaultTier
	}
	tier, _ := cfg.TierFor(key)

	return structpb.NewStruct(map[string]any{
		"user_key":           key,
		"tier":               tierName,
		"bytes_up_per_sec":   tier.BytesUpPerSec,
		"bytes_down_per_sec": tier.BytesDownPerSec,
		"max_concurrent":     tier.MaxConcurrent,
	})
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ─── ServiceDesc wiring ──────────────────────────────────────────────────────

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unaryHandler(srv, ctx, dec, interceptor, "Snapshot", func(s *Server, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		return s.Snapshot(ctx, req)
	})
}

func forceReloadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unaryHandler(srv, ctx, dec, interceptor, "ForceReload", func(s *Server, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		return s.ForceReload(ctx, req)
	})
}

func userUsageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unaryHandler(srv, ctx, dec, interceptor, "UserUsage", func(s *Server, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		return s.UserUsage(ctx, req)
	})
}

func unaryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor, method string,
	call func(*Server, context.Context, *structpb.Struct) (*structpb.Struct, error)) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return call(s, ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
	handler := func(ctx context.Context, req any) (any, error) {
		return call(s, ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the grpc.ServiceDesc for Server, registered with
// grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
		{MethodName: "ForceReload", Handler: forceReloadHandler},
		{MethodName: "UserUsage", Handler: userUsageHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "policygen/adminsvc/service.go",
}

// Register registers Server s on gs.
func Register(gs *grpc.Server, s *Server) {
	gs.RegisterService(&ServiceDesc, s)
}
