package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cortexnode/worker/internal/domain"
)

// genericSpec is the minimal registration payload a user-defined model
// description needs across every non-read-only model type: a name plus
// whatever family-specific fields the caller sent, carried through
// untouched so GetRegistration/ListRegistrations can echo it back.
type genericSpec struct {
	ModelName string          `json:"model_name"`
	Raw       json.RawMessage `json:"-"`
}

// genericCatalog is an in-memory name -> raw spec table backing one
// non-read-only model type's Family. The Worker does not own the model
// catalog itself (spec §1 Non-goals); this only satisfies the Registration
// Facade's uniform register/list/lookup/unregister contract over whatever
// the caller sends, without interpreting family-specific fields.
type genericCatalog struct {
	modelType domain.ModelType

	mu    sync.Mutex
	specs map[string]genericSpec
}

func newGenericCatalog(modelType domain.ModelType) *genericCatalog {
	return &genericCatalog{modelType: modelType, specs: make(map[string]genericSpec)}
}

func (c *genericCatalog) parseSpec(raw json.RawMessage) (string, any, error) {
	var s genericSpec
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", nil, domain.InvalidArgf("bad registration json for %s: %v", c.modelType, err)
	}
	if s.ModelName == "" {
		return "", nil, domain.InvalidArg("model_name is required")
	}
	s.Raw = raw
	return s.ModelName, s, nil
}

func (c *genericCatalog) register(ctx context.Context, name string, spec any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs[name] = spec.(genericSpec)
	return nil
}

func (c *genericCatalog) unregister(ctx context.Context, name string, raiseError bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.specs[name]; !ok {
		if raiseError {
			return domain.NotFound("no registration named " + name)
		}
		return nil
	}
	delete(c.specs, name)
	return nil
}

func (c *genericCatalog) describe(ctx context.Context, name string) (domain.ModelDescription, error) {
	c.mu.Lock()
	spec, ok := c.specs[name]
	c.mu.Unlock()
	if !ok {
		return domain.ModelDescription{}, domain.NotFound("no registration named " + name)
	}
	return domain.ModelDescription{
		ModelUID:  spec.ModelName,
		ModelName: spec.ModelName,
		ModelType: c.modelType,
	}, nil
}

func (c *genericCatalog) family() Family {
	return Family{
		ParseSpec:  c.parseSpec,
		Register:   c.register,
		Unregister: c.unregister,
		Describe:   c.describe,
	}
}

// BuiltinFamilies returns the static model_type dispatch table spec §4.H
// describes: a generic catalog per writable model type, and a read-only
// stand-in for "video" that always reports an empty, unmodifiable catalog.
func BuiltinFamilies() map[domain.ModelType]Family {
	writable := []domain.ModelType{
		domain.ModelTypeLLM,
		domain.ModelTypeEmbedding,
		domain.ModelTypeRerank,
		domain.ModelTypeImage,
		domain.ModelTypeAudio,
		domain.ModelTypeFlexible,
	}

	families := make(map[domain.ModelType]Family, len(writable)+1)
	for _, mt := range writable {
		families[mt] = newGenericCatalog(mt).family()
	}
	families[domain.ModelTypeVideo] = Family{ReadOnly: true}
	return families
}
