package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// StaticSeed seeds a fixed list of identifiers.
func StaticSeed(ids ...string) crawler.Seeder {
	out := append([]string(nil), ids...)
	return crawler.SeederFunc(func(context.Context) ([]string, error) {
		if len(out) == 0 {
			return nil, fmt.Errorf("static seed: no identifiers configured")
		}
		return out, nil
	})
}

// CollatedKeysSeed seeds the keys of a consolidated output file, e.g. every
// artist id in related_artists.json.
func CollatedKeysSeed(path string) crawler.Seeder {
	return crawler.SeederFunc(func(ctx context.Context) ([]string, error) {
		collated, err := readCollated(ctx, path)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(collated))
		for id := range collated {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids, nil
	})
}

// CollatedValuesSeed seeds the union of the string arrays stored as values
// of a consolidated output file, e.g. every track id in top_tracks.json.
// Null values are skipped.
func CollatedValuesSeed(path string) crawler.Seeder {
	return crawler.SeederFunc(func(ctx context.Context) ([]string, error) {
		collated, err := readCollated(ctx, path)
		if err != nil {
			return nil, err
		}
		union := crawler.NewItemSet()
		for key, raw := range collated {
			var values []string
			if err := json.Unmarshal(raw, &values); err != nil {
				return nil, fmt.Errorf("seed %s: value of %q is not a string array: %w", path, key, err)
			}
			union.AddAll(values)
		}
		return union.Slice(), nil
	})
}

func readCollated(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}
	collated := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &collated); err != nil {
		return nil, fmt.Errorf("seed %s: decode: %w", path, err)
	}
	return collated, nil
}
