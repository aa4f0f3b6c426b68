package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cortexnode/worker/internal/domain"
)

func TestBuiltinFamiliesRegisterAndDescribe(t *testing.T) {
	families := BuiltinFamilies()
	f := New(families, nil)

	raw := json.RawMessage(`{"model_name":"my-llama","model_size":"7b"}`)
	if err := f.Register(context.Background(), domain.ModelTypeLLM, raw, true); err != nil {
		t.Fatalf("Register: %v", err)
	}

	entry, err := f.GetRegistration(domain.ModelTypeLLM, "my-llama")
	if err != nil {
		t.Fatalf("GetRegistration: %v", err)
	}
	if entry.Name != "my-llama" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestBuiltinVideoFamilyIsReadOnly(t *testing.T) {
	families := BuiltinFamilies()
	f := New(families, nil)

	err := f.Register(context.Background(), domain.ModelTypeVideo, json.RawMessage(`{"model_name":"x"}`), false)
	if domain.KindOf(err) != domain.KindUnsupported {
		t.Fatalf("expected Unsupported, got %v", err)
	}

	entries, err := f.ListRegistrations(domain.ModelTypeVideo, false)
	if err != nil || entries != nil {
		t.Fatalf("expected nil entries for read-only family, got %v, %v", entries, err)
	}
}
