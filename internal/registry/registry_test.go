package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cortexnode/worker/internal/domain"
)

type llmSpec struct {
	Name string `json:"model_name"`
}

func llmFamily(registered map[string]llmSpec) Family {
	return Family{
		ParseSpec: func(raw json.RawMessage) (string, any, error) {
			var s llmSpec
			if err := json.Unmarshal(raw, &s); err != nil {
				return "", nil, domain.InvalidArgf("bad registration json: %v", err)
			}
			if s.Name == "" {
				return "", nil, domain.InvalidArg("model_name is required")
			}
			return s.Name, s, nil
		},
		Register: func(ctx context.Context, name string, spec any) error {
			registered[name] = spec.(llmSpec)
			return nil
		},
		Unregister: func(ctx context.Context, name string, raiseError bool) error {
			if _, ok := registered[name]; !ok && raiseError {
				return domain.NotFound("no registration named " + name)
			}
			delete(registered, name)
			return nil
		},
		Describe: func(ctx context.Context, name string) (domain.ModelDescription, error) {
			return domain.ModelDescription{ModelName: name, ModelType: domain.ModelTypeLLM}, nil
		},
	}
}

type fakeCache struct {
	fail    bool
	pushed  []string
}

func (f *fakeCache) RecordModelVersion(ctx context.Context, desc domain.ModelDescription) error {
	if f.fail {
		return domain.Downstream("cache tracker unreachable", nil)
	}
	f.pushed = append(f.pushed, desc.ModelName)
	return nil
}

func TestRegisterParseUnregisterRoundTrip(t *testing.T) {
	registered := map[string]llmSpec{}
	cache := &fakeCache{}
	f := New(map[domain.ModelType]Family{domain.ModelTypeLLM: llmFamily(registered)}, cache)

	raw := json.RawMessage(`{"model_name":"custom-llama"}`)
	if err := f.Register(context.Background(), domain.ModelTypeLLM, raw, true); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := registered["custom-llama"]; !ok {
		t.Fatal("expected family Register to be invoked")
	}
	if len(cache.pushed) != 1 || cache.pushed[0] != "custom-llama" {
		t.Fatalf("expected cache tracker push, got %v", cache.pushed)
	}

	entries, err := f.ListRegistrations(domain.ModelTypeLLM, false)
	if err != nil || len(entries) != 1 || entries[0].Name != "custom-llama" {
		t.Fatalf("ListRegistrations = %v, %v", entries, err)
	}

	if err := f.Unregister(context.Background(), domain.ModelTypeLLM, "custom-llama"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := registered["custom-llama"]; ok {
		t.Fatal("expected family Unregister to be invoked")
	}
	if _, err := f.GetRegistration(domain.ModelTypeLLM, "custom-llama"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected NotFound after unregister, got %v", err)
	}
}

func TestRegisterInvalidArgPassesThroughWithoutSideEffects(t *testing.T) {
	registered := map[string]llmSpec{}
	f := New(map[domain.ModelType]Family{domain.ModelTypeLLM: llmFamily(registered)}, &fakeCache{})

	err := f.Register(context.Background(), domain.ModelTypeLLM, json.RawMessage(`{}`), false)
	if domain.KindOf(err) != domain.KindInvalidArg {
		t.Fatalf("expected InvalidArg, got %v", err)
	}
	if len(registered) != 0 {
		t.Fatal("expected no registration on parse failure")
	}
}

func TestRegisterRollsBackOnCacheTrackerFailure(t *testing.T) {
	registered := map[string]llmSpec{}
	cache := &fakeCache{fail: true}
	f := New(map[domain.ModelType]Family{domain.ModelTypeLLM: llmFamily(registered)}, cache)

	err := f.Register(context.Background(), domain.ModelTypeLLM, json.RawMessage(`{"model_name":"broken"}`), false)
	if domain.KindOf(err) != domain.KindDownstream {
		t.Fatalf("expected Downstream, got %v", err)
	}
	if _, ok := registered["broken"]; ok {
		t.Fatal("expected rollback unregister after cache tracker failure")
	}
	if entries, _ := f.ListRegistrations(domain.ModelTypeLLM, false); len(entries) != 0 {
		t.Fatalf("expected no catalog entry after rollback, got %v", entries)
	}
}

func TestUnknownModelTypeIsInvalidArg(t *testing.T) {
	f := New(map[domain.ModelType]Family{}, nil)
	if _, err := f.ListRegistrations(domain.ModelTypeLLM, false); domain.KindOf(err) != domain.KindInvalidArg {
		t.Fatalf("expected InvalidArg for unknown model_type, got %v", err)
	}
}

func TestReadOnlyFamilyRejectsMutation(t *testing.T) {
	f := New(map[domain.ModelType]Family{domain.ModelTypeVideo: {ReadOnly: true}}, nil)

	if err := f.Register(context.Background(), domain.ModelTypeVideo, json.RawMessage(`{}`), false); domain.KindOf(err) != domain.KindUnsupported {
		t.Fatalf("expected Unsupported on Register, got %v", err)
	}
	if err := f.Unregister(context.Background(), domain.ModelTypeVideo, "x"); domain.KindOf(err) != domain.KindUnsupported {
		t.Fatalf("expected Unsupported on Unregister, got %v", err)
	}
	entries, err := f.ListRegistrations(domain.ModelTypeVideo, false)
	if err != nil || entries != nil {
		t.Fatalf("expected empty list for read-only family, got %v, %v", entries, err)
	}
	if _, err := f.GetRegistration(domain.ModelTypeVideo, "x"); domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected NotFound for read-only family, got %v", err)
	}
}

func TestListRegistrationsSortedCaseInsensitively(t *testing.T) {
	registered := map[string]llmSpec{}
	f := New(map[domain.ModelType]Family{domain.ModelTypeLLM: llmFamily(registered)}, &fakeCache{})

	for _, name := range []string{"Zephyr", "alpha", "Mistral"} {
		raw, _ := json.Marshal(llmSpec{Name: name})
		if err := f.Register(context.Background(), domain.ModelTypeLLM, raw, false); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	entries, err := f.ListRegistrations(domain.ModelTypeLLM, false)
	if err != nil {
		t.Fatalf("ListRegistrations: %v", err)
	}
	want := []string{"alpha", "Mistral", "Zephyr"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, name := range want {
		if entries[i].Name != name {
			t.Fatalf("entries[%d] = %s, want %s", i, entries[i].Name, name)
		}
	}
}
