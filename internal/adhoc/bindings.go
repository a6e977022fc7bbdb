package adhoc

import (
	"context"
	"fmt"
	"sync"
)

// BindingSource loads the channel bindings configured for a guild.
type BindingSource interface {
	GetBindings(ctx context.Context, guildID string) ([]ChannelBinding, error)
}

// BindingResolver is a read-through, per-guild cache over a BindingSource.
// It is filled lazily during a connection session and dropped wholesale
// by Invalidate when the session ends.
type BindingResolver struct {
	source BindingSource

	mu    sync.RWMutex
	cache map[string][]ChannelBinding
}

func NewBindingResolver(source BindingSource) *BindingResolver {
	return &BindingResolver{
		source: source,
		cache:  make(map[string][]ChannelBinding),
	}
}

// GetBindings returns every binding of the guild, loading it on first use.
// Load failures are not cached.
func (r *BindingResolver) GetBindings(ctx context.Context, guildID string) ([]ChannelBinding, error) {
	r.mu.RLock()
	bindings, ok := r.cache[guildID]
	r.mu.RUnlock()
	if ok {
		return bindings, nil
	}

	loaded, err := r.source.GetBindings(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("load bindings for guild %s: %w", guildID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[guildID]; ok {
		return cached, nil
	}
	r.cache[guildID] = loaded
	return loaded, nil
}

// Resolve returns the usable binding of a voice channel, or nil when the
// channel is unbound or bound with a purpose the engine does not handle.
func (r *BindingResolver) Resolve(ctx context.Context, guildID, channelID string) (*ChannelBinding, error) {
	if channelID == "" {
		return nil, nil
	}
	bindings, err := r.GetBindings(ctx, guildID)
	if err != nil {
		return nil, err
	}
	for i := range bindings {
		b := bindings[i]
		if b.ChannelID != channelID {
			continue
		}
		if !b.Usable() {
			return nil, nil
		}
		return &b, nil
	}
	return nil, nil
}

// Invalidate drops every cached guild.
func (r *BindingResolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string][]ChannelBinding)
	r.mu.Unlock()
}
