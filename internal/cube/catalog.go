package cube

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Catalog is the semantic layer's published schema, split into models and
// views (cubes named *_view).
type Catalog struct {
	Models map[string]*Cube `json:"models"`
	Views  map[string]*Cube `json:"views"`

	members map[string]memberRef
}

// Cube lists the members of one cube or view.
type Cube struct {
	Name           string    `json:"-"`
	Title          string    `json:"title,omitempty"`
	Description    string    `json:"description,omitempty"`
	Measures       []*Member `json:"measures"`
	Dimensions     []*Member `json:"dimensions"`
	TimeDimensions []string  `json:"timeDimensions"`
	Segments       []string  `json:"segments,omitempty"`
}

// Member is a measure or dimension.
type Member struct {
	Name           string              `json:"name"`
	Title          string              `json:"title,omitempty"`
	ShortTitle     string              `json:"shortTitle,omitempty"`
	Description    string              `json:"description,omitempty"`
	Type           string              `json:"type,omitempty"`
	AggType        string              `json:"aggType,omitempty"`
	PossibleValues []string            `json:"possibleValues,omitempty"`
	Synonyms       map[string][]string `json:"synonyms,omitempty"`
}

// MemberKind tells measures, dimensions and segments apart.
type MemberKind int

const (
	KindUnknown MemberKind = iota
	KindMeasure
	KindDimension
	KindTimeDimension
	KindSegment
)

type memberRef struct {
	kind   MemberKind
	member *Member
}

// metaResponse mirrors the parts of GET /meta that are used.
type metaResponse struct {
	Cubes []struct {
		Name        string `json:"name"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Measures    []struct {
			Name        string `json:"name"`
			Title       string `json:"title"`
			ShortTitle  string `json:"shortTitle"`
			Description string `json:"description"`
			Type        string `json:"type"`
			AggType     string `json:"aggType"`
		} `json:"measures"`
		Dimensions []struct {
			Name        string         `json:"name"`
			Title       string         `json:"title"`
			ShortTitle  string         `json:"shortTitle"`
			Description string         `json:"description"`
			Type        string         `json:"type"`
			Meta        map[string]any `json:"meta"`
		} `json:"dimensions"`
		Segments []struct {
			Name string `json:"name"`
		} `json:"segments"`
	} `json:"cubes"`
}

// ParseCatalog builds a Catalog from a /meta response body.
func ParseCatalog(body []byte) (*Catalog, error) {
	var meta metaResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decoding meta response: %w", err)
	}
	if len(meta.Cubes) == 0 {
		return nil, fmt.Errorf("meta response lists no cubes")
	}

	c := &Catalog{Models: map[string]*Cube{}, Views: map[string]*Cube{}}
	for _, mc := range meta.Cubes {
		cb := &Cube{Name: mc.Name, Title: mc.Title, Description: mc.Description, TimeDimensions: []string{}}
		for _, m := range mc.Measures {
			cb.Measures = append(cb.Measures, &Member{
				Name: m.Name, Title: m.Title, ShortTitle: m.ShortTitle,
				Description: m.Description, Type: m.Type, AggType: m.AggType,
			})
		}
		for _, d := range mc.Dimensions {
			mem := &Member{
				Name: d.Name, Title: d.Title, ShortTitle: d.ShortTitle,
				Description: d.Description, Type: d.Type,
			}
			mem.PossibleValues = stringList(d.Meta["possibleValues"])
			mem.Synonyms = synonymMap(d.Meta["synonyms"])
			cb.Dimensions = append(cb.Dimensions, mem)
			if d.Type == "time" {
				cb.TimeDimensions = append(cb.TimeDimensions, d.Name)
			}
		}
		for _, s := range mc.Segments {
			cb.Segments = append(cb.Segments, s.Name)
		}

		if strings.HasSuffix(mc.Name, "_view") {
			c.Views[mc.Name] = cb
		} else {
			c.Models[mc.Name] = cb
		}
	}
	c.indexMembers()
	return c, nil
}

// NewCatalog assembles a Catalog from already-built cubes.
func NewCatalog(models, views map[string]*Cube) *Catalog {
	c := &Catalog{Models: models, Views: views}
	if c.Models == nil {
		c.Models = map[string]*Cube{}
	}
	if c.Views == nil {
		c.Views = map[string]*Cube{}
	}
	for name, cb := range c.Models {
		cb.Name = name
	}
	for name, cb := range c.Views {
		cb.Name = name
	}
	c.indexMembers()
	return c
}

func (c *Catalog) indexMembers() {
	c.members = map[string]memberRef{}
	for _, group := range []map[string]*Cube{c.Models, c.Views} {
		for _, cb := range group {
			for _, m := range cb.Measures {
				c.members[m.Name] = memberRef{kind: KindMeasure, member: m}
			}
			for _, d := range cb.Dimensions {
				kind := KindDimension
				if d.Type == "time" {
					kind = KindTimeDimension
				}
				c.members[d.Name] = memberRef{kind: kind, member: d}
			}
			for _, s := range cb.Segments {
				c.members[s] = memberRef{kind: KindSegment}
			}
		}
	}
}

// Kind returns how name is declared in the catalog, or KindUnknown.
func (c *Catalog) Kind(name string) MemberKind {
	return c.members[name].kind
}

// Member returns the declaration of a measure or dimension.
func (c *Catalog) Member(name string) (*Member, bool) {
	ref, ok := c.members[name]
	return ref.member, ok && ref.member != nil
}

// CubeNames returns every model and view name, sorted.
func (c *Catalog) CubeNames() []string {
	var names []string
	for n := range c.Models {
		names = append(names, n)
	}
	for n := range c.Views {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasVocabulary reports whether the member declares allowed values.
func (m *Member) HasVocabulary() bool { return len(m.PossibleValues) > 0 }

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch x := it.(type) {
		case string:
			out = append(out, x)
		case float64, bool:
			out = append(out, fmt.Sprint(x))
		}
	}
	return out
}

// synonymMap accepts either {"canonical": ["alias", ...]} or
// {"alias": "canonical"} and returns canonical -> aliases.
func synonymMap(v any) map[string][]string {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) == 0 {
		return nil
	}
	out := map[string][]string{}
	for k, val := range obj {
		switch x := val.(type) {
		case string:
			out[x] = append(out[x], k)
		case []any:
			out[k] = append(out[k], stringList(x)...)
		}
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}
