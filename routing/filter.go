package routing

import (
	"fmt"
	"regexp"
)

type Direction string

const (
	DirectionDefault Direction = "default"
	DirectionMO      Direction = "mo"
	DirectionMT      Direction = "mt"
)

var (
	moOnly   = []Direction{DirectionMO}
	mtOnly   = []Direction{DirectionMT}
	anyRoute = []Direction{DirectionMO, DirectionMT}
)

// Filter is a predicate over a Routable. The set of filters is closed; routes
// check UsedFor at construction so Match is only ever called with a routable of
// a compatible direction.
type Filter interface {
	Match(r Routable) bool
	UsedFor() []Direction
	String() string
	filter()
}

func filterUsableFor(f Filter, d Direction) bool {
	for _, used := range f.UsedFor() {
		if used == d {
			return true
		}
	}
	return false
}

// compileFullMatch anchors pattern so it has to match the whole value.
func compileFullMatch(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidFilterParameter, pattern, err)
	}
	return re, nil
}

type TransparentFilter struct{}

func NewTransparentFilter() *TransparentFilter { return &TransparentFilter{} }

func (f *TransparentFilter) Match(Routable) bool  { return true }
func (f *TransparentFilter) UsedFor() []Direction { return anyRoute }
func (f *TransparentFilter) String() string       { return "TransparentFilter" }
func (f *TransparentFilter) filter()              {}

// ConnectorFilter matches MO traffic received on a given connector.
type ConnectorFilter struct {
	connector Connector
}

func NewConnectorFilter(c Connector) (*ConnectorFilter, error) {
	if c.IsZero() {
		return nil, fmt.Errorf("%w: connector filter needs a connector", ErrInvalidFilterParameter)
	}
	return &ConnectorFilter{connector: c}, nil
}

func (f *ConnectorFilter) Match(r Routable) bool {
	if r.Direction() != DirectionMO {
		return false
	}
	return r.Connector().Equal(f.connector)
}

func (f *ConnectorFilter) UsedFor() []Direction { return moOnly }
func (f *ConnectorFilter) String() string       { return fmt.Sprintf("ConnectorFilter(%s)", f.connector) }
func (f *ConnectorFilter) filter()              {}

// UserFilter matches MT traffic submitted by a given user.
type UserFilter struct {
	uid string
}

func NewUserFilter(u *User) (*UserFilter, error) {
	if u == nil || u.UID == "" {
		return nil, fmt.Errorf("%w: user filter needs a user", ErrInvalidFilterParameter)
	}
	return &UserFilter{uid: u.UID}, nil
}

func (f *UserFilter) Match(r Routable) bool {
	u := r.User()
	return u != nil && u.UID == f.uid
}

func (f *UserFilter) UsedFor() []Direction { return mtOnly }
func (f *UserFilter) String() string       { return fmt.Sprintf("UserFilter(uid=%s)", f.uid) }
func (f *UserFilter) filter()              {}

// GroupFilter matches MT traffic submitted by any user of a group.
type GroupFilter struct {
	gid string
}

func NewGroupFilter(g Group) (*GroupFilter, error) {
	if g.GID == "" {
		return nil, fmt.Errorf("%w: group filter needs a group", ErrInvalidFilterParameter)
	}
	return &GroupFilter{gid: g.GID}, nil
}

func (f *GroupFilter) Match(r Routable) bool {
	u := r.User()
	return u != nil && u.Group.GID == f.gid
}

func (f *GroupFilter) UsedFor() []Direction { return mtOnly }
func (f *GroupFilter) String() string       { return fmt.Sprintf("GroupFilter(gid=%s)", f.gid) }
func (f *GroupFilter) filter()              {}

// DestinationAddrFilter full-matches the destination address. ".*" lets
// everything through.
type DestinationAddrFilter struct {
	pattern string
	re      *regexp.Regexp
}

func NewDestinationAddrFilter(pattern string) (*DestinationAddrFilter, error) {
	re, err := compileFullMatch(pattern)
	if err != nil {
		return nil, err
	}
	return &DestinationAddrFilter{pattern: pattern, re: re}, nil
}

func (f *DestinationAddrFilter) Match(r Routable) bool {
	return f.re.MatchString(r.DestinationAddr())
}

func (f *DestinationAddrFilter) UsedFor() []Direction { return anyRoute }
func (f *DestinationAddrFilter) String() string {
	return fmt.Sprintf("DestinationAddrFilter(%s)", f.pattern)
}
func (f *DestinationAddrFilter) filter() {}

type SourceAddrFilter struct {
	pattern string
	re      *regexp.Regexp
}

func NewSourceAddrFilter(pattern string) (*SourceAddrFilter, error) {
	re, err := compileFullMatch(pattern)
	if err != nil {
		return nil, err
	}
	return &SourceAddrFilter{pattern: pattern, re: re}, nil
}

func (f *SourceAddrFilter) Match(r Routable) bool {
	return f.re.MatchString(r.SourceAddr())
}

func (f *SourceAddrFilter) UsedFor() []Direction { return moOnly }
func (f *SourceAddrFilter) String() string       { return fmt.Sprintf("SourceAddrFilter(%s)", f.pattern) }
func (f *SourceAddrFilter) filter()              {}

type ShortMessageFilter struct {
	pattern string
	re      *regexp.Regexp
}

func NewShortMessageFilter(pattern string) (*ShortMessageFilter, error) {
	re, err := compileFullMatch(pattern)
	if err != nil {
		return nil, err
	}
	return &ShortMessageFilter{pattern: pattern, re: re}, nil
}

func (f *ShortMessageFilter) Match(r Routable) bool {
	return f.re.MatchString(r.ShortMessage())
}

func (f *ShortMessageFilter) UsedFor() []Direction { return anyRoute }
func (f *ShortMessageFilter) String() string {
	return fmt.Sprintf("ShortMessageFilter(%s)", f.pattern)
}
func (f *ShortMessageFilter) filter() {}
