package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	DataSets map[string]*Entry `mapstructure:"data_sets"`
}

// Loads and merges catalog files. Files ending in .json are read as JSON, everything else as YAML. A data set
// defined in more than one file is an error.
func LoadCatalogFiles(paths ...string) (Catalog, error) {
	entries := map[string]*Entry{}
	for _, path := range paths {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		fileEntries, err := LoadCatalogFromBuf(buf, strings.EqualFold(filepath.Ext(path), ".json"))
		if err != nil {
			return nil, fmt.Errorf("load catalog %s: %w", path, err)
		}
		for name, e := range fileEntries {
			if _, dup := entries[name]; dup {
				return nil, fmt.Errorf("data set %q is defined more than once", name)
			}
			entries[name] = e
		}
	}
	return NewCatalog(entries), nil
}

func LoadCatalogFromBuf(buf []byte, isJSON bool) (map[string]*Entry, error) {
	raw := map[string]any{}
	var err error
	if isJSON {
		err = json.Unmarshal(buf, &raw)
	} else {
		err = yaml.Unmarshal(buf, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	out := &catalogFile{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return nil, err
	}
	err = decoder.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("can't convert catalog: %w", err)
	}

	for name, e := range out.DataSets {
		if e == nil {
			return nil, fmt.Errorf("data set %q has an empty entry", name)
		}
		if e.Remote == nil && e.PrivilegedStorage == nil && e.LocalCache == nil {
			return nil, fmt.Errorf("data set %q has no sources", name)
		}
	}
	return out.DataSets, nil
}
