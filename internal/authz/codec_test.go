package authz

import (
	"strings"
	"testing"

	"google.golang.org/grpc/encoding"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestCodecRegistered(t *testing.T) {
	if encoding.GetCodec(CodecName) == nil {
		t.Fatalf("codec %q not registered", CodecName)
	}
}

func TestCodecPlainMessages(t *testing.T) {
	c := jsonCodec{}
	data, err := c.Marshal(&CheckRequest{Permission: "unidade.visualizar", ScopeType: "UNIT", ScopeID: "unit-a"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"permission":"unidade.visualizar"`) {
		t.Fatalf("unexpected payload: %s", data)
	}
	var out CheckRequest
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.ScopeID != "unit-a" {
		t.Fatalf("scope id lost: %+v", out)
	}
}

func TestCodecProtoMessages(t *testing.T) {
	c := jsonCodec{}
	data, err := c.Marshal(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), "SERVING") {
		t.Fatalf("expected protojson enum name, got %s", data)
	}
	var out healthpb.HealthCheckResponse
	if err := c.Unmarshal([]byte(`{"status":"NOT_SERVING","extra":1}`), &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v", out.GetStatus())
	}
}
