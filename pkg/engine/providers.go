package engine

import (
	"errors"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/quota"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

// RegisterKind installs a task kind. Kinds form a closed enumeration;
// registration happens at startup before submissions arrive.
func (e *Engine) RegisterKind(spec types.KindSpec) error {
	return e.kinds.Register(spec)
}

// Kinds returns the registered kind names
func (e *Engine) Kinds() []string {
	return e.kinds.Names()
}

// RegisterProvider adds a provider with its quota limits. The spec is
// persisted so the registration survives restarts; the implementation is
// re-bound by the caller on startup.
func (e *Engine) RegisterProvider(spec types.ProviderSpec, impl provider.Provider, limits []quota.Limit) error {
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = e.clock.Now()
	}
	if err := e.registry.Register(spec, impl); err != nil {
		return err
	}
	e.ledger.Configure(spec.ID, limits)
	if err := e.store.CreateProvider(&spec); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		// Re-registration after restart finds the persisted spec already
		// present; that is not an error.
		return err
	}
	e.broker.Publish(&events.Event{
		Type:       events.EventProviderRegistered,
		ProviderID: spec.ID,
		Message:    "provider registered",
	})
	return nil
}

// DeregisterProvider removes a provider. In-flight tasks on it settle
// normally; no new work is assigned.
func (e *Engine) DeregisterProvider(id string) error {
	if err := e.registry.Deregister(id); err != nil {
		return err
	}
	e.ledger.Remove(id)
	if err := e.store.DeleteProvider(id); err != nil {
		e.logger.Warn().Err(err).Str("provider_id", id).Msg("failed to delete provider record")
	}
	e.broker.Publish(&events.Event{
		Type:       events.EventProviderDeregistered,
		ProviderID: id,
		Message:    "provider deregistered",
	})
	return nil
}

// GetProvider returns a snapshot of one provider
func (e *Engine) GetProvider(id string) (*types.ProviderInfo, error) {
	return e.registry.Get(id)
}

// ListProviders returns snapshots of all registered providers
func (e *Engine) ListProviders() []*types.ProviderInfo {
	return e.registry.List()
}

// QuotaSnapshot returns the current quota windows for a provider
func (e *Engine) QuotaSnapshot(providerID string) []types.QuotaRecord {
	return e.ledger.Snapshot(providerID)
}
