package keyword

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"gopkg.in/yaml.v3"
)

// Catalog holds the compiled patterns of one product list, in input order.
type Catalog struct {
	names    []string
	patterns []ProductPattern
}

// Compile builds patterns for names; names without a searchable pattern are dropped.
func Compile(names []string) *Catalog {
	c := &Catalog{}
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		p, ok := ExtractKeywords(n)
		if !ok {
			continue
		}
		c.names = append(c.names, n)
		c.patterns = append(c.patterns, p)
	}
	return c
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.names)
}

func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

func (c *Catalog) Pattern(name string) (ProductPattern, bool) {
	for i, n := range c.names {
		if n == name {
			return c.patterns[i], true
		}
	}
	return ProductPattern{}, false
}

// Cache keeps compiled catalogs for a while so repeated runs with the same
// product list skip recompilation.
type Cache struct {
	lru *expirable.LRU[uint64, *Catalog]
}

func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 8
	}
	return &Cache{lru: expirable.NewLRU[uint64, *Catalog](size, nil, ttl)}
}

func (c *Cache) Get(names []string) *Catalog {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	key := fingerprint64(strings.Join(sorted, "\x00"))
	if cat, ok := c.lru.Get(key); ok {
		return cat
	}
	cat := Compile(names)
	c.lru.Add(key, cat)
	return cat
}

func fingerprint64(s string) uint64 {
	// FNV-1a
	var h uint64 = 14695981039346656037
	const prime uint64 = 1099511628211
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

// DefaultAdditionalPhrases are always searched besides operator-supplied phrases.
var DefaultAdditionalPhrases = []string{
	"проникающая гидроизоляция",
	"добавка в бетон",
	"гидрофобизатор",
	"пластификатор",
}

type listFile struct {
	Phrases     []string `yaml:"phrases"`
	Products    []string `yaml:"products"`
	StopPhrases []string `yaml:"stop_phrases"`
}

// LoadPhrases reads a YAML file ("phrases: [...]" or a bare list) and unions it with the defaults.
func LoadPhrases(path string) ([]string, error) {
	out := append([]string(nil), DefaultAdditionalPhrases...)
	if strings.TrimSpace(path) == "" {
		return out, nil
	}
	lf, err := readListFile(path)
	if err != nil {
		return nil, err
	}
	return foldAll(append(out, lf.Phrases...)), nil
}

// LoadStopPhrases reads the "stop_phrases" key of a phrases file. A bare list has none.
func LoadStopPhrases(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	lf, err := readListFile(path)
	if err != nil {
		return nil, err
	}
	return foldAll(lf.StopPhrases), nil
}

// LoadCatalog reads product names from a YAML file ("products: [...]" or a bare list).
func LoadCatalog(path string) ([]string, error) {
	lf, err := readListFile(path)
	if err != nil {
		return nil, err
	}
	return lf.Products, nil
}

func readListFile(path string) (listFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return listFile{}, fmt.Errorf("read %s: %w", path, err)
	}
	var bare []string
	if err := yaml.Unmarshal(b, &bare); err == nil && len(bare) > 0 {
		return listFile{Phrases: bare, Products: bare}, nil
	}
	var lf listFile
	if err := yaml.Unmarshal(b, &lf); err != nil {
		return listFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return lf, nil
}

func (c *Catalog) String() string {
	return "catalog(" + strconv.Itoa(c.Len()) + ")"
}
