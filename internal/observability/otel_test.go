package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tbourn/go-finassist-backend/internal/config"
)

// keepGlobals restores the global provider and propagator after t.
func keepGlobals(t *testing.T) {
	t.Helper()
	tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func enabled(name string, insecure bool) config.OTELConfig {
	return config.OTELConfig{Enabled: true, Insecure: insecure, Endpoint: "localhost:4317", ServiceName: name, SampleRatio: 1}
}

func TestSetupOTel_Disabled(t *testing.T) {
	keepGlobals(t)
	before := otel.GetTracerProvider()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Endpoint: "ignored:4317"}, "DEBUG", "dev")
	if err != nil || shutdown == nil {
		t.Fatalf("SetupOTel = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatalf("disabled tracing replaced the provider")
	}
}

func TestSetupOTel_InstallsProvider(t *testing.T) {
	cases := []struct {
		name string
		ctx  func() context.Context
		cfg  config.OTELConfig
		env  string
	}{
		{"plaintext", context.Background, enabled("finassist-local", true), "LOCAL"},
		{"tls", context.Background, enabled("finassist-prod", false), "PROD"},
		{"cancelled ctx", func() context.Context {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx
		}, enabled("finassist-debug", true), "DEBUG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keepGlobals(t)
			shutdown, err := SetupOTel(tc.ctx(), tc.cfg, tc.env, "v1.0.0")
			if err != nil {
				t.Fatalf("SetupOTel: %v", err)
			}
			if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
				t.Fatalf("provider = %T", otel.GetTracerProvider())
			}

			ctx, span := otel.Tracer("pipeline").Start(context.Background(), "Flush")
			carrier := propagation.MapCarrier{}
			otel.GetTextMapPropagator().Inject(ctx, carrier)
			span.End()
			if carrier.Get("traceparent") == "" {
				t.Fatalf("traceparent not propagated: %v", carrier)
			}

			sctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
			defer cancel()
			_ = shutdown(sctx)
		})
	}
}

func TestSetupOTel_FailuresLeaveGlobalsAlone(t *testing.T) {
	cases := []struct {
		name  string
		patch func() func()
	}{
		{"exporter", func() func() {
			orig := newOTLPExporterFn
			newOTLPExporterFn = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
				return nil, errors.New("exporter down")
			}
			return func() { newOTLPExporterFn = orig }
		}},
		{"resource", func() func() {
			orig := newServiceResourceFn
			newServiceResourceFn = func(context.Context, string, string, string) (*resource.Resource, error) {
				return nil, errors.New("bad resource")
			}
			return func() { newServiceResourceFn = orig }
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keepGlobals(t)
			t.Cleanup(tc.patch())
			tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()

			if _, err := SetupOTel(context.Background(), enabled("svc", true), "DEBUG", "v0"); err == nil {
				t.Fatalf("expected %s error", tc.name)
			}
			if otel.GetTracerProvider() != tp || otel.GetTextMapPropagator() != prop {
				t.Fatalf("globals changed after a failed setup")
			}
		})
	}
}

func TestServiceResource_CarriesEnvironment(t *testing.T) {
	res, err := newServiceResourceFn(context.Background(), "finassist", "PROD", "v2")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	want := map[string]string{
		"service.name":           "finassist",
		"service.version":        "v2",
		"deployment.environment": "prod",
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %q, want %q", k, got[k], v)
		}
	}
}
