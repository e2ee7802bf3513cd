package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/loopstacks/control-plane/pkg/models"
)

// LoadLoopStackDir reads every .yaml/.yml file in dir as a LoopStack
// resource, validates its loop definitions, and seeds it into the
// directory. Invalid files are skipped with a warning so one bad
// definition does not block startup.
func LoadLoopStackDir(ctx context.Context, d Directory, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read loopstack dir %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := loadLoopStackFile(ctx, d, path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("skipping loopstack file")
			continue
		}
		loaded++
	}

	log.Info().Int("loaded", loaded).Str("dir", dir).Msg("loopstack definitions seeded")
	return nil
}

func loadLoopStackFile(ctx context.Context, d Directory, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var res models.LoopStackResource
	if err := yaml.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if res.Kind != models.KindLoopStack {
		return fmt.Errorf("%w: %s: kind %q is not %s", models.ErrValidation, path, res.Kind, models.KindLoopStack)
	}
	def := res.Definition()
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	spec, err := specToMap(res)
	if err != nil {
		return err
	}
	obj := &models.Resource{
		Kind:     models.KindLoopStack,
		Metadata: res.Metadata,
		Spec:     spec,
	}
	if err := d.Create(ctx, obj); err != nil {
		// Re-seeding an existing stack replaces it.
		if updateErr := d.Update(ctx, obj); updateErr != nil {
			return updateErr
		}
	}
	return nil
}

// specToMap renders the typed loopstack spec into the directory's generic
// object shape via its YAML form.
func specToMap(res models.LoopStackResource) (map[string]any, error) {
	raw, err := yaml.Marshal(res.Spec)
	if err != nil {
		return nil, fmt.Errorf("encode loopstack spec: %w", err)
	}
	var spec map[string]any
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode loopstack spec: %w", err)
	}
	return spec, nil
}
