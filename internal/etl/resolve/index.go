package resolve

import (
	"sort"

	"github.com/insideestates/estates-etl/internal/model"
)

// Entity is the slice of a Companies House record the resolver needs.
type Entity struct {
	Number     string
	Name       string
	Status     string
	NormName   string
	NormNumber string
}

// IndexStats summarizes an index after Build.
type IndexStats struct {
	Entities        int `json:"entities" yaml:"entities"`
	Numbers         int `json:"numbers" yaml:"numbers"`
	NameNumberKeys  int `json:"name_number_keys" yaml:"name_number_keys"`
	CurrentNames    int `json:"current_names" yaml:"current_names"`
	HistoricalNames int `json:"historical_names" yaml:"historical_names"`
	// SharedNames counts entities whose normalized current name was already
	// claimed by a lower company number.
	SharedNames int `json:"shared_names" yaml:"shared_names"`
	// ShadowedHistorical counts previous names skipped because they collide
	// with a current name.
	ShadowedHistorical int `json:"shadowed_historical" yaml:"shadowed_historical"`
	DuplicateNumbers   int `json:"duplicate_numbers" yaml:"duplicate_numbers"`
}

// Index is an immutable set of lookups over the Companies House register.
// Every map stores offsets into entities; on key collisions the entity
// with the lowest company number wins. Safe for concurrent reads.
type Index struct {
	entities         []Entity
	byNameNumber     map[string]int32
	byNumber         map[string]int32
	byCurrentName    map[string]int32
	byHistoricalName map[string]int32
	stats            IndexStats
}

// ByNameAndNumber looks up the composite key.
func (x *Index) ByNameAndNumber(normName, normNumber string) (Entity, bool) {
	return x.get(x.byNameNumber, nameNumberKey(normName, normNumber))
}

// ByNumber looks up a normalized company number.
func (x *Index) ByNumber(normNumber string) (Entity, bool) {
	return x.get(x.byNumber, normNumber)
}

// ByCurrentName looks up a normalized current name.
func (x *Index) ByCurrentName(normName string) (Entity, bool) {
	return x.get(x.byCurrentName, normName)
}

// ByHistoricalName looks up a normalized previous name. Names that are also
// some company's current name are never present here.
func (x *Index) ByHistoricalName(normName string) (Entity, bool) {
	return x.get(x.byHistoricalName, normName)
}

// Len returns the number of indexed entities.
func (x *Index) Len() int { return len(x.entities) }

// Stats returns the build statistics.
func (x *Index) Stats() IndexStats { return x.stats }

func (x *Index) get(m map[string]int32, key string) (Entity, bool) {
	if key == "" {
		return Entity{}, false
	}
	i, ok := m[key]
	if !ok {
		return Entity{}, false
	}
	return x.entities[i], true
}

func nameNumberKey(normName, normNumber string) string {
	if normName == "" || normNumber == "" {
		return ""
	}
	return normName + "|" + normNumber
}

// IndexBuilder accumulates companies and produces an Index. It is not safe
// for concurrent use.
type IndexBuilder struct {
	entities []Entity
	previous [][]string
}

// NewIndexBuilder returns a builder sized for roughly n companies.
func NewIndexBuilder(n int) *IndexBuilder {
	return &IndexBuilder{
		entities: make([]Entity, 0, n),
		previous: make([][]string, 0, n),
	}
}

// Add records one company. Companies without a number are ignored.
func (b *IndexBuilder) Add(c model.Company) {
	num := NormalizeNumber(c.Number)
	if num == "" {
		return
	}
	b.entities = append(b.entities, Entity{
		Number:     c.Number,
		Name:       c.Name,
		Status:     c.Status,
		NormName:   NormalizeName(c.Name),
		NormNumber: num,
	})

	var prev []string
	for i, pn := range c.PreviousNames {
		if i >= model.MaxPreviousNames {
			break
		}
		if n := NormalizeName(pn.Name); n != "" {
			prev = append(prev, n)
		}
	}
	b.previous = append(b.previous, prev)
}

// Build sorts the accumulated entities by company number and builds every
// lookup. Current names are indexed before any previous name so that a
// previous name can never shadow a live one. The builder must not be
// reused afterwards.
func (b *IndexBuilder) Build() *Index {
	order := make([]int, len(b.entities))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return b.entities[order[i]].NormNumber < b.entities[order[j]].NormNumber
	})

	n := len(order)
	x := &Index{
		entities:         make([]Entity, n),
		byNameNumber:     make(map[string]int32, n),
		byNumber:         make(map[string]int32, n),
		byCurrentName:    make(map[string]int32, n),
		byHistoricalName: make(map[string]int32, n/8),
	}
	previous := make([][]string, n)
	for dst, src := range order {
		x.entities[dst] = b.entities[src]
		previous[dst] = b.previous[src]
	}
	b.entities, b.previous = nil, nil

	for i := range x.entities {
		e := &x.entities[i]
		id := int32(i)
		if _, ok := x.byNumber[e.NormNumber]; ok {
			x.stats.DuplicateNumbers++
		} else {
			x.byNumber[e.NormNumber] = id
		}
		if e.NormName == "" {
			continue
		}
		if _, ok := x.byCurrentName[e.NormName]; ok {
			x.stats.SharedNames++
		} else {
			x.byCurrentName[e.NormName] = id
		}
		if k := nameNumberKey(e.NormName, e.NormNumber); k != "" {
			if _, ok := x.byNameNumber[k]; !ok {
				x.byNameNumber[k] = id
			}
		}
	}

	for i := range x.entities {
		own := x.entities[i].NormName
		for _, pn := range previous[i] {
			if pn == own {
				continue
			}
			if _, ok := x.byCurrentName[pn]; ok {
				x.stats.ShadowedHistorical++
				continue
			}
			if _, ok := x.byHistoricalName[pn]; !ok {
				x.byHistoricalName[pn] = int32(i)
			}
		}
	}

	x.stats.Entities = n
	x.stats.Numbers = len(x.byNumber)
	x.stats.NameNumberKeys = len(x.byNameNumber)
	x.stats.CurrentNames = len(x.byCurrentName)
	x.stats.HistoricalNames = len(x.byHistoricalName)
	return x
}
