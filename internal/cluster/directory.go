// Package cluster exposes the cluster-resource collaborator at its
// interface boundary: an asynchronous key-value directory of declarative
// resource objects (Agent, AgentInstance, Realm, LoopStack) keyed by
// (kind, namespace, name). The engine only reads and writes objects; it
// never manages their lifecycle.
package cluster

import (
	"context"

	"github.com/loopstacks/control-plane/pkg/models"
)

// DefaultNamespace is used when a caller names no namespace.
const DefaultNamespace = "default"

// Directory is the declarative resource catalog.
type Directory interface {
	List(ctx context.Context, kind, namespace string) ([]models.Resource, error)
	// Get returns the object or models.ErrNotFound.
	Get(ctx context.Context, kind, namespace, name string) (*models.Resource, error)
	// Create rejects duplicates with models.ErrConflict.
	Create(ctx context.Context, res *models.Resource) error
	// Update replaces an existing object or returns models.ErrNotFound.
	Update(ctx context.Context, res *models.Resource) error
	// Delete removes the object; a missing object returns
	// models.ErrNotFound.
	Delete(ctx context.Context, kind, namespace, name string) error
}
