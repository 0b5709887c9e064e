package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/classifier"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

// Message is one rendered email handed to a provider.
type Message struct {
	ReferenceID string // our delivery record id, echoed in provider metadata
	From        string
	To          string
	Subject     string
	HTMLBody    string
	TextBody    string
	Headers     map[string]string
}

// EmailProvider is implemented by every outbound provider client.
// Send returns the provider's message identifier, used to correlate delivery events.
type EmailProvider interface {
	Send(ctx context.Context, msg Message) (string, error)
	Name() string
	Family() classifier.Family
}

// Registry resolves providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]EmailProvider
	fallback  string
}

// NewRegistry creates a registry whose Get("") resolves to defaultName.
func NewRegistry(defaultName string, providers ...EmailProvider) *Registry {
	r := &Registry{providers: make(map[string]EmailProvider), fallback: defaultName}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p EmailProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the named provider, or the default one when name is empty.
func (r *Registry) Get(name string) (EmailProvider, error) {
	if name == "" {
		name = r.fallback
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// DefaultName is the provider used when a request names none.
func (r *Registry) DefaultName() string { return r.fallback }

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
