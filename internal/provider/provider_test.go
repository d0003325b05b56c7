package provider

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	Provider
	cfg Config
}

func (s *stubProvider) Kind() Kind { return "stub" }

func TestRegisterAndOpen(t *testing.T) {
	Register("stub", func(ctx context.Context, cfg Config) (Provider, error) {
		return &stubProvider{cfg: cfg}, nil
	})

	if err := Validate("stub"); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	p, err := Open(context.Background(), "stub", Config{Bucket: "b"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sp := p.(*stubProvider)
	if sp.cfg.Bucket != "b" {
		t.Errorf("bucket = %q, want b", sp.cfg.Bucket)
	}
	if sp.cfg.HTTP == nil || sp.cfg.Logger == nil || sp.cfg.PresignExpiry <= 0 {
		t.Errorf("defaults not applied: %+v", sp.cfg)
	}

	found := false
	for _, k := range Kinds() {
		if k == "stub" {
			found = true
		}
	}
	if !found {
		t.Errorf("Kinds() = %v, missing stub", Kinds())
	}
}

func TestUnknownKind(t *testing.T) {
	if err := Validate("nope"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Validate error = %v, want ErrUnknownKind", err)
	}
	if _, err := Open(context.Background(), "nope", Config{}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Open error = %v, want ErrUnknownKind", err)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	Register("twice", func(ctx context.Context, cfg Config) (Provider, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	Register("twice", func(ctx context.Context, cfg Config) (Provider, error) { return nil, nil })
}
