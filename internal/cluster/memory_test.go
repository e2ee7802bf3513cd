package cluster

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopstacks/control-plane/pkg/models"
)

func agentResource(name string) *models.Resource {
	return &models.Resource{
		Kind:     models.KindAgent,
		Metadata: models.ResourceMeta{Name: name},
		Spec:     map[string]any{"capabilities": []string{"summarize"}},
	}
}

func TestDirectoryCreateGet(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()

	require.NoError(t, d.Create(ctx, agentResource("summarizer")))

	got, err := d.Get(ctx, models.KindAgent, DefaultNamespace, "summarizer")
	require.NoError(t, err)
	assert.Equal(t, "summarizer", got.Metadata.Name)
	assert.Equal(t, DefaultNamespace, got.Metadata.Namespace)
}

func TestDirectoryCreateDuplicateConflicts(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()

	require.NoError(t, d.Create(ctx, agentResource("summarizer")))
	err := d.Create(ctx, agentResource("summarizer"))
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestDirectoryGetMissing(t *testing.T) {
	d := NewMemoryDirectory()
	_, err := d.Get(context.Background(), models.KindAgent, DefaultNamespace, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDirectoryUpdateMissing(t *testing.T) {
	d := NewMemoryDirectory()
	err := d.Update(context.Background(), agentResource("nope"))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDirectoryDeleteThenGet(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()

	require.NoError(t, d.Create(ctx, agentResource("summarizer")))
	require.NoError(t, d.Delete(ctx, models.KindAgent, DefaultNamespace, "summarizer"))

	_, err := d.Get(ctx, models.KindAgent, DefaultNamespace, "summarizer")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, d.Delete(ctx, models.KindAgent, DefaultNamespace, "summarizer"), models.ErrNotFound)
}

func TestDirectoryListFiltersKindAndNamespace(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()

	require.NoError(t, d.Create(ctx, agentResource("b-agent")))
	require.NoError(t, d.Create(ctx, agentResource("a-agent")))
	require.NoError(t, d.Create(ctx, &models.Resource{
		Kind:     models.KindRealm,
		Metadata: models.ResourceMeta{Name: "default-realm"},
	}))
	require.NoError(t, d.Create(ctx, &models.Resource{
		Kind:     models.KindAgent,
		Metadata: models.ResourceMeta{Name: "other", Namespace: "staging"},
	}))

	agents, err := d.List(ctx, models.KindAgent, DefaultNamespace)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	// Sorted by name.
	assert.Equal(t, "a-agent", agents[0].Metadata.Name)
	assert.Equal(t, "b-agent", agents[1].Metadata.Name)
}

func TestDirectoryCopiesOnGet(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()

	require.NoError(t, d.Create(ctx, agentResource("summarizer")))
	got, err := d.Get(ctx, models.KindAgent, DefaultNamespace, "summarizer")
	require.NoError(t, err)
	got.Metadata.Name = "mutated"

	again, err := d.Get(ctx, models.KindAgent, DefaultNamespace, "summarizer")
	require.NoError(t, err)
	assert.Equal(t, "summarizer", again.Metadata.Name)
}

// ── YAML seeding ─────────────────────────────────────────────

const validLoopStackYAML = `kind: LoopStack
metadata:
  name: summarizer
  labels:
    version: v1.0.0
spec:
  loops:
    - loopId: DO
      requiredCapabilities: [summarize]
      timeout: 5000
      aggregation:
        strategy: collect_all
  phases:
    bidding:
      selectionStrategy: best
      maxBids: 3
    output:
      aggregationStrategy: merge
`

func TestLoadLoopStackDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "summarizer.yaml"), []byte(validLoopStackYAML), 0o644))
	// Non-YAML files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644))

	d := NewMemoryDirectory()
	require.NoError(t, LoadLoopStackDir(context.Background(), d, dir))

	res, err := d.Get(context.Background(), models.KindLoopStack, DefaultNamespace, "summarizer")
	require.NoError(t, err)

	spec, err := models.LoopStackSpecFromResource(res)
	require.NoError(t, err)
	require.Len(t, spec.Loops, 1)
	assert.Equal(t, "DO", spec.Loops[0].LoopID)
	require.NotNil(t, spec.Phases)
	assert.Equal(t, 3, spec.Phases.Bidding.MaxBids)
	assert.Equal(t, models.OutputMerge, spec.Phases.Output.Mode())
}

func TestLoadLoopStackDirSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	bad := `kind: LoopStack
metadata:
  name: Bad_Name
  labels:
    version: v1.0.0
spec:
  loops: []
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(bad), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.yaml"), []byte(validLoopStackYAML), 0o644))

	d := NewMemoryDirectory()
	require.NoError(t, LoadLoopStackDir(context.Background(), d, dir))

	_, err := d.Get(context.Background(), models.KindLoopStack, DefaultNamespace, "Bad_Name")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = d.Get(context.Background(), models.KindLoopStack, DefaultNamespace, "summarizer")
	assert.NoError(t, err)
}

func TestLoadLoopStackDirReseedReplaces(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "summarizer.yaml"), []byte(validLoopStackYAML), 0o644))

	d := NewMemoryDirectory()
	require.NoError(t, LoadLoopStackDir(context.Background(), d, dir))
	require.NoError(t, LoadLoopStackDir(context.Background(), d, dir))

	stacks, err := d.List(context.Background(), models.KindLoopStack, DefaultNamespace)
	require.NoError(t, err)
	assert.Len(t, stacks, 1)
}

func TestLoadLoopStackDirMissing(t *testing.T) {
	err := LoadLoopStackDir(context.Background(), NewMemoryDirectory(), "/does/not/exist")
	assert.Error(t, err)
}
