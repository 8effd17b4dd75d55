package otel

import (
	"context"
	"testing"
)

func TestSetup_WithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "ramus-test"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}
}

func TestSetup_DefaultServiceName(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()
}

func TestSetup_SampleRatio(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{SampleRatio: 0.25})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()
}
