package sources

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

var errNullItem = errors.New("item is null")

func decode(raw crawler.RawResult) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return v, nil
}

func singleID(ids []string) (string, error) {
	if len(ids) != 1 {
		return "", fmt.Errorf("expected a single identifier per request, got %d", len(ids))
	}
	return ids[0], nil
}

// neighbourIDs extracts items[].idField as strings.
func neighbourIDs(raw crawler.RawResult, itemsKey, idField string) ([]string, error) {
	v, err := decode(raw)
	if err != nil {
		return nil, err
	}
	found, err := Lookup(v, itemsKey+"[]."+idField)
	if err != nil {
		return nil, fmt.Errorf("extract %s[].%s: %w", itemsKey, idField, err)
	}
	values := found.([]any)
	ids := make([]string, 0, len(values))
	for i, elem := range values {
		id, ok := elem.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d].%s is not a string", itemsKey, i, idField)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DiscoveryProcessor handles graph crawls: each response lists neighbours
// of the requested identifier, which become both the record and newly
// discovered identifiers.
type DiscoveryProcessor struct {
	ItemsKey string
	IDField  string
}

// Process implements crawler.Processor.
func (p DiscoveryProcessor) Process(ids []string, raw crawler.RawResult) (crawler.ProcessResult, error) {
	id, err := singleID(ids)
	if err != nil {
		return crawler.ProcessResult{}, err
	}
	neighbours, err := neighbourIDs(raw, p.ItemsKey, p.IDField)
	if err != nil {
		return crawler.ProcessResult{}, err
	}
	record, err := json.Marshal(neighbours)
	if err != nil {
		return crawler.ProcessResult{}, fmt.Errorf("encode record: %w", err)
	}
	return crawler.ProcessResult{
		Records:    map[string]json.RawMessage{id: record},
		Consumed:   []string{id},
		Discovered: neighbours,
	}, nil
}

// ListProcessor records the identifiers listed in a single-item response,
// e.g. an artist's top track ids. Nothing is discovered.
type ListProcessor struct {
	ItemsKey string
	IDField  string
}

// Process implements crawler.Processor.
func (p ListProcessor) Process(ids []string, raw crawler.RawResult) (crawler.ProcessResult, error) {
	id, err := singleID(ids)
	if err != nil {
		return crawler.ProcessResult{}, err
	}
	values, err := neighbourIDs(raw, p.ItemsKey, p.IDField)
	if err != nil {
		return crawler.ProcessResult{}, err
	}
	record, err := json.Marshal(values)
	if err != nil {
		return crawler.ProcessResult{}, fmt.Errorf("encode record: %w", err)
	}
	return crawler.ProcessResult{
		Records:  map[string]json.RawMessage{id: record},
		Consumed: []string{id},
	}, nil
}

// Field projects one value of an item into the record.
type Field struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

// Section is one array of items aligned with the requested identifiers.
type Section struct {
	// Name selects the endpoint body in a combined response; empty means
	// the whole response.
	Name     string  `mapstructure:"name"`
	ItemsKey string  `mapstructure:"items_key"`
	Fields   []Field `mapstructure:"fields"`
}

// LookupProcessor handles batch lookups whose response arrays line up with
// the requested identifiers. Each record is an object of projected fields.
// A null item or a missing field is recorded as JSON null and reported as a
// partial result; when every section's item is null the record is null.
type LookupProcessor struct {
	Sections []Section
}

// Process implements crawler.Processor.
func (p LookupProcessor) Process(ids []string, raw crawler.RawResult) (crawler.ProcessResult, error) {
	root, err := decode(raw)
	if err != nil {
		return crawler.ProcessResult{}, err
	}

	items := make([][]any, len(p.Sections))
	for s, section := range p.Sections {
		arr, err := sectionItems(root, section, len(ids))
		if err != nil {
			return crawler.ProcessResult{}, err
		}
		items[s] = arr
	}

	result := crawler.ProcessResult{Records: make(map[string]json.RawMessage, len(ids))}
	for i, id := range ids {
		record := make(map[string]any)
		nullSections := 0
		for s, section := range p.Sections {
			item := items[s][i]
			if item == nil {
				nullSections++
				result.Partial = append(result.Partial, crawler.PartialResultError{
					ID: id, Field: section.Name, Err: errNullItem,
				})
				for _, f := range section.Fields {
					record[f.Name] = nil
				}
				continue
			}
			for _, f := range section.Fields {
				v, err := Lookup(item, f.Path)
				if err != nil {
					result.Partial = append(result.Partial, crawler.PartialResultError{
						ID: id, Field: f.Name, Err: err,
					})
					v = nil
				}
				record[f.Name] = v
			}
		}

		if nullSections == len(p.Sections) {
			result.Records[id] = json.RawMessage("null")
			continue
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			return crawler.ProcessResult{}, fmt.Errorf("encode record %s: %w", id, err)
		}
		result.Records[id] = encoded
	}
	return result, nil
}

// sectionItems returns the section's item array; a null section body (an
// optional endpoint that failed) yields all-null items.
func sectionItems(root any, section Section, n int) ([]any, error) {
	body := root
	if section.Name != "" {
		obj, ok := root.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("section %s: response is not an object", section.Name)
		}
		body = obj[section.Name]
	}
	if body == nil {
		return make([]any, n), nil
	}
	found, err := Lookup(body, section.ItemsKey)
	if err != nil {
		return nil, fmt.Errorf("section %q: %w", section.Name, err)
	}
	if found == nil {
		return make([]any, n), nil
	}
	arr, ok := found.([]any)
	if !ok {
		return nil, fmt.Errorf("section %q: %s is not an array", section.Name, section.ItemsKey)
	}
	if len(arr) != n {
		return nil, fmt.Errorf("section %q: %d items for %d identifiers", section.Name, len(arr), n)
	}
	return arr, nil
}
