package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Pipelines routes generation requests to the generator registered for the pipeline name.
type Pipelines struct {
	mu       sync.RWMutex
	exact    map[string]Generator
	prefixes map[string]Generator
}

// NewPipelines creates an empty registry.
func NewPipelines() *Pipelines {
	return &Pipelines{
		exact:    make(map[string]Generator),
		prefixes: make(map[string]Generator),
	}
}

// Register binds a pipeline name to a generator.
func (p *Pipelines) Register(name string, generator Generator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exact[strings.ToLower(strings.TrimSpace(name))] = generator
}

// RegisterPrefix binds every pipeline whose name starts with prefix to a generator.
func (p *Pipelines) RegisterPrefix(prefix string, generator Generator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prefixes[strings.ToLower(strings.TrimSpace(prefix))] = generator
}

// Names lists the exact pipeline names and prefixes, sorted.
func (p *Pipelines) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.exact)+len(p.prefixes))
	for name := range p.exact {
		names = append(names, name)
	}
	for prefix := range p.prefixes {
		names = append(names, prefix+"*")
	}
	sort.Strings(names)
	return names
}

// Generate implements Generator by dispatching on req.Pipeline.
func (p *Pipelines) Generate(ctx context.Context, req GenerationRequest) (QuestionDraft, error) {
	generator, ok := p.lookup(req.Pipeline)
	if !ok {
		return QuestionDraft{}, fmt.Errorf("%w: %s", ErrUnknownPipeline, req.Pipeline)
	}

	draft, err := generator.Generate(ctx, req)
	if err != nil {
		return QuestionDraft{}, err
	}
	draft.Metadata.Pipeline = req.Pipeline
	draft.Metadata.Topic = req.Topic
	draft.Metadata.Difficulty = req.Difficulty
	return draft, nil
}

func (p *Pipelines) lookup(name string) (Generator, bool) {
	key := strings.ToLower(strings.TrimSpace(name))

	p.mu.RLock()
	defer p.mu.RUnlock()

	if generator, ok := p.exact[key]; ok {
		return generator, true
	}

	longest := ""
	var match Generator
	for prefix, generator := range p.prefixes {
		if strings.HasPrefix(key, prefix) && len(prefix) > len(longest) {
			longest = prefix
			match = generator
		}
	}
	return match, match != nil
}
