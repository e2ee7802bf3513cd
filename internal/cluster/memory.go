package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loopstacks/control-plane/pkg/models"
)

// MemoryDirectory implements Directory with mutex-guarded maps. It backs
// tests and single-node deployments where no cluster API is present.
type MemoryDirectory struct {
	mu      sync.RWMutex
	objects map[string]*models.Resource // key: kind/namespace/name
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{objects: make(map[string]*models.Resource)}
}

func objectKey(kind, namespace, name string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return kind + "/" + namespace + "/" + name
}

func normalize(res *models.Resource) {
	if res.Metadata.Namespace == "" {
		res.Metadata.Namespace = DefaultNamespace
	}
}

func (d *MemoryDirectory) List(ctx context.Context, kind, namespace string) ([]models.Resource, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []models.Resource
	for _, res := range d.objects {
		if res.Kind == kind && res.Metadata.Namespace == namespace {
			out = append(out, *res)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.Name < out[j].Metadata.Name
	})
	return out, nil
}

func (d *MemoryDirectory) Get(ctx context.Context, kind, namespace, name string) (*models.Resource, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	res, ok := d.objects[objectKey(kind, namespace, name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s/%s", models.ErrNotFound, kind, namespace, name)
	}
	cp := *res
	return &cp, nil
}

func (d *MemoryDirectory) Create(ctx context.Context, res *models.Resource) error {
	normalize(res)
	key := objectKey(res.Kind, res.Metadata.Namespace, res.Metadata.Name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.objects[key]; exists {
		return fmt.Errorf("%w: %s %s/%s already exists",
			models.ErrConflict, res.Kind, res.Metadata.Namespace, res.Metadata.Name)
	}
	cp := *res
	d.objects[key] = &cp
	return nil
}

func (d *MemoryDirectory) Update(ctx context.Context, res *models.Resource) error {
	normalize(res)
	key := objectKey(res.Kind, res.Metadata.Namespace, res.Metadata.Name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.objects[key]; !exists {
		return fmt.Errorf("%w: %s %s/%s",
			models.ErrNotFound, res.Kind, res.Metadata.Namespace, res.Metadata.Name)
	}
	cp := *res
	d.objects[key] = &cp
	return nil
}

func (d *MemoryDirectory) Delete(ctx context.Context, kind, namespace, name string) error {
	key := objectKey(kind, namespace, name)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.objects[key]; !exists {
		return fmt.Errorf("%w: %s %s/%s", models.ErrNotFound, kind, namespace, name)
	}
	delete(d.objects, key)
	return nil
}
