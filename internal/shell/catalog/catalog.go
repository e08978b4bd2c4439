// Package catalog serves the read-only stack and product definitions that
// deployments are built from.
//
// A file catalog is laid out as:
//
//	<dir>/stacks/<stackId>/<version>.yaml   compose manifest with x-stacker metadata
//	<dir>/products/<groupId>.yaml           product definition with its versions
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/artpar/stacker/internal/core/compose"
	"github.com/artpar/stacker/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// Catalog resolves stack and product definitions. An empty version selects
// the latest one.
type Catalog interface {
	GetStack(ctx context.Context, stackID, version string) (*domain.StackDefinition, error)
	GetProduct(ctx context.Context, groupID, version string) (*domain.ProductDefinition, error)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func checkID(kind, id string) error {
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: invalid %s id %q", domain.ErrValidation, kind, id)
	}
	return nil
}

// =============================================================================
// File Catalog
// =============================================================================

// productFile is the on-disk form of a product with all its versions.
//
//	group_id: suite
//	name: Business Suite
//	versions:
//	  - version: 1.0.0
//	    shared_variables: {DOMAIN: example.com}
//	    stacks:
//	      - {name: db, stack_id: postgres, stack_version: "16"}
//	      - {name: app, stack_id: crm}
type productFile struct {
	GroupID  string           `yaml:"group_id"`
	Name     string           `yaml:"name"`
	Versions []productVersion `yaml:"versions"`
}

type productVersion struct {
	Version         string                   `yaml:"version"`
	ProductID       string                   `yaml:"product_id"`
	SharedVariables map[string]string        `yaml:"shared_variables"`
	Stacks          []domain.ProductStackRef `yaml:"stacks"`
}

// FileCatalog reads definitions from a directory on every call, so edits
// take effect without a restart.
type FileCatalog struct {
	dir string
}

// NewFileCatalog creates a catalog rooted at dir.
func NewFileCatalog(dir string) (*FileCatalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog path %s is not a directory", dir)
	}
	return &FileCatalog{dir: dir}, nil
}

// GetStack loads and parses a stack manifest.
func (c *FileCatalog) GetStack(ctx context.Context, stackID, version string) (*domain.StackDefinition, error) {
	if err := checkID("stack", stackID); err != nil {
		return nil, err
	}
	if version == "" {
		versions, err := c.StackVersions(stackID)
		if err != nil {
			return nil, err
		}
		version = versions[len(versions)-1]
	} else if err := checkID("stack version", version); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(filepath.Join(c.dir, "stacks", stackID, version+".yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrStackNotFound, stackID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("read stack %s %s: %w", stackID, version, err)
	}
	return compose.ParseStackManifest(stackID, version, content)
}

// StackVersions lists a stack's versions, oldest first.
func (c *FileCatalog) StackVersions(stackID string) ([]string, error) {
	if err := checkID("stack", stackID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(c.dir, "stacks", stackID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrStackNotFound, stackID)
	}
	if err != nil {
		return nil, fmt.Errorf("list stack %s: %w", stackID, err)
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		versions = append(versions, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s has no versions", domain.ErrStackNotFound, stackID)
	}
	SortVersions(versions)
	return versions, nil
}

// GetProduct loads one version of a product definition.
func (c *FileCatalog) GetProduct(ctx context.Context, groupID, version string) (*domain.ProductDefinition, error) {
	if err := checkID("product group", groupID); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(filepath.Join(c.dir, "products", groupID+".yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, groupID)
	}
	if err != nil {
		return nil, fmt.Errorf("read product %s: %w", groupID, err)
	}

	var file productFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("%w: product %s: %v", domain.ErrValidation, groupID, err)
	}
	if file.GroupID == "" {
		file.GroupID = groupID
	}

	defs := make([]*domain.ProductDefinition, 0, len(file.Versions))
	for _, v := range file.Versions {
		productID := v.ProductID
		if productID == "" {
			productID = file.GroupID + "-" + v.Version
		}
		defs = append(defs, &domain.ProductDefinition{
			GroupID:         file.GroupID,
			ProductID:       productID,
			Name:            file.Name,
			Version:         v.Version,
			SharedVariables: v.SharedVariables,
			Stacks:          v.Stacks,
		})
	}
	return selectProduct(groupID, version, defs)
}

// =============================================================================
// Memory Catalog
// =============================================================================

// Memory is an in-process catalog.
type Memory struct {
	mu       sync.RWMutex
	stacks   map[string]map[string]*domain.StackDefinition
	products map[string][]*domain.ProductDefinition
}

// NewMemory creates an empty in-process catalog.
func NewMemory() *Memory {
	return &Memory{
		stacks:   make(map[string]map[string]*domain.StackDefinition),
		products: make(map[string][]*domain.ProductDefinition),
	}
}

// AddStack registers a stack definition under its ID and version.
func (m *Memory) AddStack(def *domain.StackDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stacks[def.ID] == nil {
		m.stacks[def.ID] = make(map[string]*domain.StackDefinition)
	}
	m.stacks[def.ID][def.Version] = def
}

// AddManifest parses a compose manifest and registers it.
func (m *Memory) AddManifest(stackID, version string, content []byte) error {
	def, err := compose.ParseStackManifest(stackID, version, content)
	if err != nil {
		return err
	}
	m.AddStack(def)
	return nil
}

// AddProduct registers a product version.
func (m *Memory) AddProduct(def *domain.ProductDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[def.GroupID] = append(m.products[def.GroupID], def)
}

func (m *Memory) GetStack(_ context.Context, stackID, version string) (*domain.StackDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.stacks[stackID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrStackNotFound, stackID)
	}
	if version == "" {
		names := make([]string, 0, len(versions))
		for v := range versions {
			names = append(names, v)
		}
		SortVersions(names)
		version = names[len(names)-1]
	}
	def, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrStackNotFound, stackID, version)
	}
	return def, nil
}

func (m *Memory) GetProduct(_ context.Context, groupID, version string) (*domain.ProductDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return selectProduct(groupID, version, m.products[groupID])
}

// =============================================================================
// Versions
// =============================================================================

func selectProduct(groupID, version string, defs []*domain.ProductDefinition) (*domain.ProductDefinition, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: %s has no versions", domain.ErrProductNotFound, groupID)
	}
	if version == "" {
		latest := defs[0]
		for _, d := range defs[1:] {
			if CompareVersions(d.Version, latest.Version) > 0 {
				latest = d
			}
		}
		return latest, nil
	}
	for _, d := range defs {
		if d.Version == version {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", domain.ErrProductNotFound, groupID, version)
}

// CompareVersions orders semantic versions by precedence. Versions that do
// not parse sort before those that do and compare lexically among
// themselves.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	default:
		return strings.Compare(a, b)
	}
}

// SortVersions sorts versions oldest first.
func SortVersions(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return CompareVersions(versions[i], versions[j]) < 0
	})
}
