package article

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindArticle Kind = "article"
	KindReview  Kind = "review"
)

// Kinds lists every content kind the service stores.
var Kinds = []Kind{KindArticle, KindReview}

var ErrUnknownKind = errors.New("unknown content kind")

// Descriptor carries the per-kind behaviour the service needs.
type Descriptor struct {
	Kind       Kind
	PathPrefix string
}

type Constructor func() Descriptor

// Registry maps a content kind to its descriptor. It is closed: every kind in
// Kinds must be registered and nothing else may be.
type Registry struct {
	byKind map[Kind]Descriptor
}

func NewRegistry(ctors map[Kind]Constructor) (*Registry, error) {
	r := &Registry{byKind: make(map[Kind]Descriptor, len(ctors))}

	for _, k := range Kinds {
		ctor, ok := ctors[k]
		if !ok || ctor == nil {
			return nil, fmt.Errorf("kind %q has no constructor", k)
		}
		d := ctor()
		if d.Kind != k {
			return nil, fmt.Errorf("constructor for %q returned kind %q", k, d.Kind)
		}
		if !strings.HasPrefix(d.PathPrefix, "/") || !strings.HasSuffix(d.PathPrefix, "/") {
			return nil, fmt.Errorf("kind %q: path prefix %q must start and end with /", k, d.PathPrefix)
		}
		r.byKind[k] = d
	}

	if len(ctors) != len(r.byKind) {
		for k := range ctors {
			if _, ok := r.byKind[k]; !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
			}
		}
	}

	return r, nil
}

// DefaultRegistry returns the registry for the magazine's permalink layout.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(map[Kind]Constructor{
		KindArticle: func() Descriptor {
			return Descriptor{Kind: KindArticle, PathPrefix: "/articles/"}
		},
		KindReview: func() Descriptor {
			return Descriptor{Kind: KindReview, PathPrefix: "/reviews/"}
		},
	})
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Resolve(tag string) (Descriptor, error) {
	d, ok := r.byKind[Kind(strings.ToLower(strings.TrimSpace(tag)))]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownKind, tag)
	}
	return d, nil
}

// Normalize validates the item's kind and derives its path from the slug when
// the CMS did not send one.
func (r *Registry) Normalize(it *Item) error {
	d, err := r.Resolve(string(it.Kind))
	if err != nil {
		return err
	}
	it.Kind = d.Kind

	if it.Path == "" {
		if it.Slug == "" {
			return fmt.Errorf("item %d: neither path nor slug set", it.ExternalID)
		}
		it.Path = d.PathPrefix + strings.Trim(it.Slug, "/") + "/"
	}
	if !strings.HasPrefix(it.Path, "/") {
		it.Path = "/" + it.Path
	}
	return nil
}
