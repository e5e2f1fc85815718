package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"
)

// ActiveWorkflowLister is the read side the catalog loads from.
type ActiveWorkflowLister interface {
	ListActiveWorkflows(ctx context.Context) ([]*domain.Workflow, error)
}

// Catalog is the engine's in-memory index of active workflows: BUY workflows
// by every model they reference, SELL workflows by wallet. Workflows handed
// out are shared and must not be modified.
type Catalog struct {
	source ActiveWorkflowLister
	logger ports.Logger

	refreshMu sync.Mutex // serializes list+swap so an older list never replaces a newer one

	mu       sync.RWMutex
	byModel  map[string][]*domain.Workflow
	byWallet map[string][]*domain.Workflow
	size     int
	loadedAt time.Time
}

// NewCatalog creates an empty catalog; call Refresh to load it.
func NewCatalog(source ActiveWorkflowLister, logger ports.Logger) (*Catalog, error) {
	if source == nil {
		return nil, fmt.Errorf("workflow source is required for catalog")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for catalog")
	}
	return &Catalog{
		source:   source,
		logger:   logger,
		byModel:  map[string][]*domain.Workflow{},
		byWallet: map[string][]*domain.Workflow{},
	}, nil
}

// Refresh reloads every active workflow and swaps the index.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	wfs, err := c.source.ListActiveWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("loading active workflows: %w", err)
	}

	byModel := make(map[string][]*domain.Workflow)
	byWallet := make(map[string][]*domain.Workflow)
	for _, wf := range wfs {
		switch chain := wf.Chain.(type) {
		case domain.BuyChain:
			for _, id := range chain.ModelIDs() {
				byModel[id] = append(byModel[id], wf)
			}
		case domain.SellChain:
			byWallet[wf.WalletID] = append(byWallet[wf.WalletID], wf)
		}
	}

	c.mu.Lock()
	c.byModel, c.byWallet, c.size, c.loadedAt = byModel, byWallet, len(wfs), time.Now()
	c.mu.Unlock()

	c.logger.Debug(ctx, "Workflow catalog refreshed", ports.Fields{"workflows": len(wfs), "models": len(byModel), "wallets": len(byWallet)})
	return nil
}

// Invalidate reloads the catalog synchronously after a workflow write, so the
// change is visible to the next event.
func (c *Catalog) Invalidate(ctx context.Context) error {
	return c.Refresh(ctx)
}

// Run refreshes on every interval until ctx is canceled. Failed refreshes keep
// the previous index.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error(ctx, err, "Workflow catalog refresh failed")
			}
		}
	}
}

// BuyWorkflowsFor returns the active BUY workflows whose trigger or any
// condition references modelID.
func (c *Catalog) BuyWorkflowsFor(modelID string) []*domain.Workflow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byModel[modelID]
}

// SellWorkflowsFor returns the active SELL workflows of a wallet.
func (c *Catalog) SellWorkflowsFor(walletID string) []*domain.Workflow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byWallet[walletID]
}

// Size returns how many active workflows are indexed.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}
