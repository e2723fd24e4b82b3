package api

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type stubIntelligence struct{}

func (stubIntelligence) GetSnapshot(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() != "checkout" {
		return nil, status.Error(codes.NotFound, "unknown service")
	}
	return structpb.NewStruct(map[string]any{"uptime": 99.5})
}

func (stubIntelligence) ListSnapshots(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"snapshots": []any{}})
}

func (stubIntelligence) ResolveAnomaly(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"id": req.GetValue(), "resolved": true})
}

func (stubIntelligence) RefreshService(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"service": map[string]any{"id": req.GetValue()}})
}

func startTestServer(t *testing.T) (*Server, *grpc.ClientConn) {
	t.Helper()
	srv, err := NewServer("127.0.0.1:0", stubIntelligence{}, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient(srv.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return srv, conn
}

func TestServerRoutesIntelligenceCalls(t *testing.T) {
	_, conn := startTestServer(t)
	client := NewIntelligenceClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := client.GetSnapshot(ctx, "checkout")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.GetFields()["uptime"].GetNumberValue() != 99.5 {
		t.Fatalf("unexpected payload: %v", snap)
	}

	if _, err := client.GetSnapshot(ctx, "ghost"); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	resolved, err := client.ResolveAnomaly(ctx, "a1")
	if err != nil || !resolved.GetFields()["resolved"].GetBoolValue() {
		t.Fatalf("unexpected resolve result: %v (%v)", resolved, err)
	}

	if _, err := client.ListSnapshots(ctx); err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	refreshed, err := client.RefreshService(ctx, "checkout")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if id := refreshed.GetFields()["service"].GetStructValue().GetFields()["id"].GetStringValue(); id != "checkout" {
		t.Fatalf("unexpected refresh payload: %v", refreshed)
	}
}

func TestServerReportsHealth(t *testing.T) {
	srv, conn := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: IntelligenceServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.GetStatus())
	}

	srv.SetServing(false)
	resp, err = healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", resp.GetStatus())
	}
}

func TestNewServerRequiresService(t *testing.T) {
	if _, err := NewServer("127.0.0.1:0", nil, nil); err == nil {
		t.Fatalf("expected error for missing service")
	}
}

func TestServerReflectionDescribesIntelligence(t *testing.T) {
	_, conn := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := reflectionpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
	if err != nil {
		t.Fatalf("open reflection stream: %v", err)
	}
	if err := stream.Send(&reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: IntelligenceServiceName},
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	files := resp.GetFileDescriptorResponse().GetFileDescriptorProto()
	if len(files) == 0 {
		t.Fatalf("expected a descriptor, got %v", resp)
	}

	var methods []string
	for _, raw := range files {
		fd := new(descriptorpb.FileDescriptorProto)
		if err := proto.Unmarshal(raw, fd); err != nil {
			t.Fatalf("unmarshal descriptor: %v", err)
		}
		if fd.GetPackage() != "devhops.intelligence.v1" {
			continue
		}
		for _, m := range fd.GetService()[0].GetMethod() {
			methods = append(methods, m.GetName())
		}
	}
	want := []string{"GetSnapshot", "ListSnapshots", "ResolveAnomaly", "RefreshService"}
	if len(methods) != len(want) {
		t.Fatalf("expected methods %v, got %v", want, methods)
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Fatalf("expected methods %v, got %v", want, methods)
		}
	}
}
