package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
)

// An access branch of a data set's catalog entry.
type Branch string

const (
	Remote            Branch = "remote"
	PrivilegedStorage Branch = "privileged-storage"
	LocalCache        Branch = "local-cache"
)

// Where one data set's inputs live under one access branch.
type Sources struct {
	UncalibratedData  string `mapstructure:"uncalibrated_data"`
	CalibratedData    string `mapstructure:"calibrated_data"`
	CalibrationScript string `mapstructure:"calibration_script"`
	ImagingScript     string `mapstructure:"imaging_script"`
}

type Entry struct {
	Description       string   `mapstructure:"description"`
	SoftwareVersions  string   `mapstructure:"software_versions"` // go-version constraint, e.g. ">= 4.4, < 4.5"
	Remote            *Sources `mapstructure:"remote"`
	PrivilegedStorage *Sources `mapstructure:"privileged_storage"`
	LocalCache        *Sources `mapstructure:"local_cache"`
}

func (e *Entry) Sources(branch Branch) *Sources {
	switch branch {
	case Remote:
		return e.Remote
	case PrivilegedStorage:
		return e.PrivilegedStorage
	case LocalCache:
		return e.LocalCache
	default:
		return nil
	}
}

// Reports whether the pipeline software version satisfies the entry's constraint. Entries without a constraint
// accept every version.
func (e *Entry) SupportsVersion(v *version.Version) (bool, error) {
	if e.SoftwareVersions == "" {
		return true, nil
	}
	c, err := version.NewConstraint(e.SoftwareVersions)
	if err != nil {
		return false, fmt.Errorf("invalid software version constraint %q: %w", e.SoftwareVersions, err)
	}
	return c.Check(v), nil
}

// Static lookup table from data set names to the locations of their data and scripts.
type Catalog interface {
	Has(name string) bool

	Entry(name string) (*Entry, error)

	// Returns the sources of the data set under the branch, or *UnknownDataSetError.
	Lookup(name string, branch Branch) (*Sources, error)

	// All known data set names, sorted.
	Names() []string
}

type UnknownDataSetError struct {
	Name   string
	Branch Branch // empty when the data set itself is unknown
}

func (e *UnknownDataSetError) Error() string {
	if e.Branch == "" {
		return fmt.Sprintf("data set name %q not recognized", e.Name)
	}
	return fmt.Sprintf("data set %q has no %s sources", e.Name, e.Branch)
}

type mapCatalog struct {
	entries map[string]*Entry
}

func NewCatalog(entries map[string]*Entry) Catalog {
	return &mapCatalog{entries: entries}
}

func (c *mapCatalog) Has(name string) bool {
	_, ok := c.entries[name]
	return ok
}

func (c *mapCatalog) Entry(name string) (*Entry, error) {
	e, ok := c.entries[name]
	if !ok || e == nil {
		return nil, &UnknownDataSetError{Name: name}
	}
	return e, nil
}

func (c *mapCatalog) Lookup(name string, branch Branch) (*Sources, error) {
	e, err := c.Entry(name)
	if err != nil {
		return nil, err
	}
	s := e.Sources(branch)
	if s == nil {
		return nil, &UnknownDataSetError{Name: name, Branch: branch}
	}
	return s, nil
}

func (c *mapCatalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ExplainDataSets(c Catalog) string {
	var sb strings.Builder
	for i, name := range c.Names() {
		sb.WriteString("\"")
		sb.WriteString(name)
		sb.WriteString("\"")
		if e, err := c.Entry(name); err == nil && e.Description != "" {
			sb.WriteString(" (")
			sb.WriteString(e.Description)
			sb.WriteString(")")
		}
		if i < len(c.Names())-1 {
			sb.WriteString(", ")
		}
	}
	return sb.String()
}
