package article

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Scope enumerates the candidate items of some grouping, unranked.
type Scope interface {
	Items(ctx context.Context, exclude []int64) ([]Item, error)
}

type ScopeKind string

const (
	ScopeSection ScopeKind = "section"
	ScopeIssue   ScopeKind = "issue"
	ScopeSeries  ScopeKind = "series"
	ScopeAuthor  ScopeKind = "author"
	ScopeAll     ScopeKind = "all"
	ScopeList    ScopeKind = "list"
)

var ErrInvalidSelector = errors.New("invalid scope selector")

// Selector names a scope stored in the repository.
type Selector struct {
	Kind ScopeKind
	ID   int64
	IDs  []int64
}

func ParseSelector(kind string, id int64, ids []int64) (Selector, error) {
	sel := Selector{Kind: ScopeKind(kind), ID: id, IDs: ids}
	switch sel.Kind {
	case ScopeSection, ScopeIssue, ScopeSeries, ScopeAuthor:
		if id <= 0 {
			return Selector{}, fmt.Errorf("%w: %s scope needs a positive id", ErrInvalidSelector, kind)
		}
	case ScopeAll:
	case ScopeList:
		if len(ids) == 0 {
			return Selector{}, fmt.Errorf("%w: list scope needs ids", ErrInvalidSelector)
		}
	default:
		return Selector{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidSelector, kind)
	}
	return sel, nil
}

// filter builds the mongo query for the selector, excluding the given ids.
func (s Selector) filter(exclude []int64) (bson.M, error) {
	f := bson.M{}
	switch s.Kind {
	case ScopeSection:
		f["sectionId"] = s.ID
	case ScopeIssue:
		f["issueId"] = s.ID
	case ScopeSeries:
		f["seriesIds"] = s.ID
	case ScopeAuthor:
		f["authorIds"] = s.ID
	case ScopeAll:
		f["kind"] = KindArticle
	case ScopeList:
		f["externalId"] = bson.M{"$in": s.IDs}
	default:
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidSelector, s.Kind)
	}

	if len(exclude) > 0 {
		if s.Kind == ScopeList {
			f["externalId"] = bson.M{"$in": s.IDs, "$nin": exclude}
		} else {
			f["externalId"] = bson.M{"$nin": exclude}
		}
	}
	return f, nil
}

// StaticScope is a scope over items the caller already holds.
type StaticScope []Item

func (s StaticScope) Items(_ context.Context, exclude []int64) ([]Item, error) {
	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	out := make([]Item, 0, len(s))
	for _, it := range s {
		if _, ok := skip[it.ExternalID]; ok {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}
