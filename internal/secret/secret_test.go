package secret

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
)

func TestRegistryRedactsAllRegisteredValues(t *testing.T) {
	r := NewRegistry()
	r.Register("s3kr3t")
	r.Register("tok-abc123")

	out := r.Redact("connecting with token tok-abc123 and password s3kr3t now")
	if strings.Contains(out, "s3kr3t") || strings.Contains(out, "tok-abc123") {
		t.Fatalf("expected both secrets redacted, got %q", out)
	}
	if !strings.Contains(out, "***") {
		t.Fatalf("expected redaction marker in output, got %q", out)
	}
}

func TestRegistryRedactIgnoresEmptyValues(t *testing.T) {
	r := NewRegistry()
	r.Register("")
	out := r.Redact("nothing to redact here")
	if out != "nothing to redact here" {
		t.Fatalf("expected unchanged output, got %q", out)
	}
}

func TestRegistryConcurrentRegisterAndRedact(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("secret-value")
		}()
		go func() {
			defer wg.Done()
			r.Redact("log line mentioning secret-value maybe")
		}()
	}
	wg.Wait()
}

func TestEnvResolverResolveLooksUpEnvironmentVariable(t *testing.T) {
	t.Setenv("CUENV_TEST_SECRET", "literal-value")
	r := EnvResolver{}
	v, err := r.Resolve(context.Background(), "API_KEY", Spec{Value: "CUENV_TEST_SECRET"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "literal-value" {
		t.Fatalf("expected literal-value, got %q", v)
	}
	if r.SupportsNativeBatch() {
		t.Fatal("EnvResolver should not claim native batch support")
	}
}

func TestEnvResolverResolveMissingVariableErrors(t *testing.T) {
	r := EnvResolver{}
	if _, ok := os.LookupEnv("CUENV_TEST_SECRET_MISSING"); ok {
		t.Fatal("test precondition violated: CUENV_TEST_SECRET_MISSING is set")
	}
	_, err := r.Resolve(context.Background(), "API_KEY", Spec{Value: "CUENV_TEST_SECRET_MISSING"})
	if err == nil {
		t.Fatal("expected error for unset environment variable")
	}
}

func TestExecResolverResolveRunsCommand(t *testing.T) {
	r := ExecResolver{}
	v, err := r.Resolve(context.Background(), "API_KEY", Spec{Value: "echo hunter2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "hunter2" {
		t.Fatalf("expected hunter2, got %q", v)
	}
}

func TestExecResolverResolveEmptySpecReturnsEmpty(t *testing.T) {
	r := ExecResolver{}
	v, err := r.Resolve(context.Background(), "API_KEY", Spec{Value: ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "" {
		t.Fatalf("expected empty string, got %q", v)
	}
}
