package sources

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/fetcher/httpapi"
)

var nopFetcher = crawler.FetcherFunc(func(context.Context, []string) (crawler.RawResult, error) {
	return crawler.RawResult(`{}`), nil
})

func TestPresetsValidate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"artist_info", "related_artists", "top_tracks", "track_info"}, PresetNames())
	for _, name := range PresetNames() {
		spec, ok := Preset(name)
		require.True(t, ok)
		require.NoError(t, spec.Validate(), name)
		assert.Equal(t, name, spec.Name)
	}
	_, ok := Preset("nope")
	assert.False(t, ok)
}

func TestFromConfigDiscovery(t *testing.T) {
	t.Parallel()

	spec, _ := Preset("related_artists")
	src, err := FromConfig(spec, nopFetcher, t.TempDir())
	require.NoError(t, err)
	assert.True(t, src.Discovery)
	assert.Equal(t, 1, src.BatchSize)
	assert.IsType(t, DiscoveryProcessor{}, src.Processor)

	ids, err := src.Seeder.Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"4iHNK0tOyZPYnBU7nGAgpQ"}, ids)
}

func TestFromConfigCollatedSeedUsesDataDir(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	writeFile(t, dataDir, "related_artists.json", `{"x":[],"y":[]}`)

	spec, _ := Preset("artist_info")
	src, err := FromConfig(spec, nopFetcher, dataDir)
	require.NoError(t, err)
	assert.False(t, src.Discovery)
	assert.IsType(t, LookupProcessor{}, src.Processor)

	ids, err := src.Seeder.Seed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ids)

	spec, _ = Preset("top_tracks")
	src, err = FromConfig(spec, nopFetcher, dataDir)
	require.NoError(t, err)
	assert.IsType(t, ListProcessor{}, src.Processor)

	spec, _ = Preset("track_info")
	src, err = FromConfig(spec, nopFetcher, filepath.Join(dataDir, "missing"))
	require.NoError(t, err)
	_, err = src.Seeder.Seed(context.Background())
	require.Error(t, err)
}

func TestSpecValidate(t *testing.T) {
	t.Parallel()

	valid := Spec{
		Name:      "s",
		Kind:      KindList,
		BatchSize: 1,
		Seed:      SeedSpec{IDs: []string{"a"}},
		Endpoints: []httpapi.Endpoint{{Path: "/x/{id}"}},
		ItemsKey:  "items",
		IDField:   "id",
	}
	require.NoError(t, valid.Validate())

	mutate := map[string]func(*Spec){
		"no name":      func(s *Spec) { s.Name = "" },
		"batch":        func(s *Spec) { s.BatchSize = 0 },
		"list batch":   func(s *Spec) { s.BatchSize = 2 },
		"no endpoints": func(s *Spec) { s.Endpoints = nil },
		"two seeds":    func(s *Spec) { s.Seed.CollatedKeys = "k.json" },
		"no seed":      func(s *Spec) { s.Seed = SeedSpec{} },
		"no items key": func(s *Spec) { s.ItemsKey = "" },
		"unknown kind": func(s *Spec) { s.Kind = "graph" },
		"lookup no sections": func(s *Spec) {
			s.Kind = KindLookup
			s.BatchSize = 50
		},
		"lookup empty fields": func(s *Spec) {
			s.Kind = KindLookup
			s.Sections = []Section{{ItemsKey: "items"}}
		},
	}
	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := valid
			s.Seed.IDs = append([]string(nil), valid.Seed.IDs...)
			fn(&s)
			require.Error(t, s.Validate())
		})
	}

	_, err := FromConfig(valid, nil, "")
	require.Error(t, err)
}
