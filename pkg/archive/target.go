package archive

import (
	"fmt"
	"regexp"

	"subharvest/pkg/models"
)

// TargetType selects what a crawl is scoped to.
type TargetType string

const (
	TargetSubreddit TargetType = "subreddit"
	TargetAuthor    TargetType = "author"
)

// Param is the query parameter naming the target.
func (t TargetType) Param() string {
	return string(t)
}

// Prefix is the file name prefix for records of this target type.
func (t TargetType) Prefix() string {
	if t == TargetAuthor {
		return "u_"
	}
	return "r_"
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,32}$`)

// Target is a community or author to crawl.
type Target struct {
	Type TargetType
	Name string
}

// NewTarget validates the name and type.
func NewTarget(typ TargetType, name string) (Target, error) {
	switch typ {
	case TargetSubreddit, TargetAuthor:
	default:
		return Target{}, fmt.Errorf("unknown target type %q", typ)
	}
	if !namePattern.MatchString(name) {
		return Target{}, fmt.Errorf("invalid %s name %q", typ, name)
	}
	return Target{Type: typ, Name: name}, nil
}

// FilePrefix is r_<name> or u_<name>.
func (t Target) FilePrefix() string {
	return t.Type.Prefix() + t.Name
}

func (t Target) String() string {
	if t.Type == TargetAuthor {
		return "u/" + t.Name
	}
	return "r/" + t.Name
}

// Endpoint returns the listing endpoint for a record kind.
func Endpoint(kind models.RecordKind) string {
	if kind == models.KindComment {
		return EndpointComments
	}
	return EndpointPosts
}

// KindFile is the record file suffix for kind.
func KindFile(kind models.RecordKind) string {
	if kind == models.KindComment {
		return "comments"
	}
	return "posts"
}
