package sources

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/fetcher/httpapi"
)

// Kind selects the processor family.
type Kind string

// Supported source kinds.
const (
	KindDiscovery Kind = "discovery"
	KindLookup    Kind = "lookup"
	KindList      Kind = "list"
)

// SeedSpec configures where the first identifiers come from. Exactly one
// field must be set. Collated paths are relative to the data folder.
type SeedSpec struct {
	IDs            []string `mapstructure:"ids"`
	CollatedKeys   string   `mapstructure:"collated_keys"`
	CollatedValues string   `mapstructure:"collated_values"`
}

// Spec describes one data source.
type Spec struct {
	Name      string             `mapstructure:"name"`
	Kind      Kind               `mapstructure:"kind"`
	BatchSize int                `mapstructure:"batch_size"`
	Seed      SeedSpec           `mapstructure:"seed"`
	Endpoints []httpapi.Endpoint `mapstructure:"endpoints"`
	// ItemsKey and IDField drive discovery and list sources.
	ItemsKey string `mapstructure:"items_key"`
	IDField  string `mapstructure:"id_field"`
	// Sections drive lookup sources.
	Sections []Section `mapstructure:"sections"`
}

// Validate checks the spec is complete for its kind.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("source %s: batch_size must be positive", s.Name)
	}
	if len(s.Endpoints) == 0 {
		return fmt.Errorf("source %s: at least one endpoint is required", s.Name)
	}
	set := 0
	if len(s.Seed.IDs) > 0 {
		set++
	}
	if s.Seed.CollatedKeys != "" {
		set++
	}
	if s.Seed.CollatedValues != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("source %s: exactly one seed kind must be set", s.Name)
	}

	switch s.Kind {
	case KindDiscovery, KindList:
		if s.ItemsKey == "" || s.IDField == "" {
			return fmt.Errorf("source %s: items_key and id_field are required", s.Name)
		}
		if s.BatchSize != 1 {
			return fmt.Errorf("source %s: %s sources request one identifier at a time", s.Name, s.Kind)
		}
	case KindLookup:
		if len(s.Sections) == 0 {
			return fmt.Errorf("source %s: lookup sources need at least one section", s.Name)
		}
		for _, sec := range s.Sections {
			if len(sec.Fields) == 0 {
				return fmt.Errorf("source %s: section %q has no fields", s.Name, sec.Name)
			}
		}
	default:
		return fmt.Errorf("source %s: unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

// FromConfig builds the crawler.Source bundle for spec. dataDir resolves
// collated seed files.
func FromConfig(spec Spec, fetcher crawler.Fetcher, dataDir string) (crawler.Source, error) {
	if err := spec.Validate(); err != nil {
		return crawler.Source{}, err
	}
	if fetcher == nil {
		return crawler.Source{}, fmt.Errorf("source %s: fetcher is required", spec.Name)
	}

	var seeder crawler.Seeder
	switch {
	case len(spec.Seed.IDs) > 0:
		seeder = StaticSeed(spec.Seed.IDs...)
	case spec.Seed.CollatedKeys != "":
		seeder = CollatedKeysSeed(filepath.Join(dataDir, spec.Seed.CollatedKeys))
	default:
		seeder = CollatedValuesSeed(filepath.Join(dataDir, spec.Seed.CollatedValues))
	}

	var processor crawler.Processor
	switch spec.Kind {
	case KindDiscovery:
		processor = DiscoveryProcessor{ItemsKey: spec.ItemsKey, IDField: spec.IDField}
	case KindList:
		processor = ListProcessor{ItemsKey: spec.ItemsKey, IDField: spec.IDField}
	default:
		processor = LookupProcessor{Sections: spec.Sections}
	}

	return crawler.Source{
		Name:      spec.Name,
		Seeder:    seeder,
		Selector:  crawler.SelectorFunc(crawler.SelectAny),
		Fetcher:   fetcher,
		Processor: processor,
		BatchSize: spec.BatchSize,
		Discovery: spec.Kind == KindDiscovery,
	}, nil
}

func fields(names ...string) []Field {
	out := make([]Field, 0, len(names))
	for _, n := range names {
		out = append(out, Field{Name: n, Path: n})
	}
	return out
}

// Presets returns the built-in catalog sources: the artist graph, artist
// details, each artist's top tracks and track details with audio features.
func Presets() map[string]Spec {
	return map[string]Spec{
		"related_artists": {
			Name:      "related_artists",
			Kind:      KindDiscovery,
			BatchSize: 1,
			Seed:      SeedSpec{IDs: []string{"4iHNK0tOyZPYnBU7nGAgpQ"}},
			Endpoints: []httpapi.Endpoint{{Path: "/v1/artists/{id}/related-artists"}},
			ItemsKey:  "artists",
			IDField:   "id",
		},
		"artist_info": {
			Name:      "artist_info",
			Kind:      KindLookup,
			BatchSize: 50,
			Seed:      SeedSpec{CollatedKeys: "related_artists.json"},
			Endpoints: []httpapi.Endpoint{{Path: "/v1/artists", IDsParam: "ids"}},
			Sections: []Section{{
				ItemsKey: "artists",
				Fields: append(fields("id", "name", "popularity", "genres"),
					Field{Name: "followers", Path: "followers.total"}),
			}},
		},
		"top_tracks": {
			Name:      "top_tracks",
			Kind:      KindList,
			BatchSize: 1,
			Seed:      SeedSpec{CollatedKeys: "related_artists.json"},
			Endpoints: []httpapi.Endpoint{{
				Path:  "/v1/artists/{id}/top-tracks",
				Query: map[string]string{"market": "US"},
			}},
			ItemsKey: "tracks",
			IDField:  "id",
		},
		"track_info": {
			Name:      "track_info",
			Kind:      KindLookup,
			BatchSize: 50,
			Seed:      SeedSpec{CollatedValues: "top_tracks.json"},
			Endpoints: []httpapi.Endpoint{
				{Name: "info", Path: "/v1/tracks", IDsParam: "ids"},
				{Name: "af", Path: "/v1/audio-features", IDsParam: "ids", Optional: true},
			},
			Sections: []Section{
				{
					Name:     "info",
					ItemsKey: "tracks",
					Fields: append(fields("duration_ms", "explicit", "id", "name", "popularity",
						"track_number", "available_markets"),
						Field{Name: "artists", Path: "artists[].id"},
						Field{Name: "release_date", Path: "album.release_date"},
						Field{Name: "release_date_precision", Path: "album.release_date_precision"},
						Field{Name: "album_name", Path: "album.name"},
						Field{Name: "album_total_tracks", Path: "album.total_tracks"},
					),
				},
				{
					Name:     "af",
					ItemsKey: "audio_features",
					Fields: append(fields("danceability", "energy", "key", "loudness", "mode",
						"speechiness", "acousticness", "instrumentalness", "liveness", "valence",
						"tempo", "time_signature"),
						Field{Name: "duration_ms2", Path: "duration_ms"},
					),
				},
			},
		},
	}
}

// PresetNames lists the built-in sources in sorted order.
func PresetNames() []string {
	presets := Presets()
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preset returns the built-in spec called name.
func Preset(name string) (Spec, bool) {
	spec, ok := Presets()[name]
	return spec, ok
}
