package lobby

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/models"
)

// Query defaults.
const (
	DefaultQueryLimit = 25
	MaxQueryLimit     = 100
)

// Filter fields understood by the directory. Public attributes are addressed
// as "attr.<key>".
const (
	FieldAvailableSlots = "available_slots"
	FieldMaxPlayers     = "max_players"
	FieldPlayerCount    = "player_count"
	FieldName           = "name"
	FieldHostID         = "host_id"
	FieldCreated        = "created"
	FieldLastUpdated    = "last_updated"

	attrPrefix = "attr."
)

// Op is a comparison operator.
type Op string

const (
	OpEQ Op = "eq"
	OpNE Op = "ne"
	OpGT Op = "gt"
	OpGE Op = "ge"
	OpLT Op = "lt"
	OpLE Op = "le"
)

func (o Op) valid() bool {
	switch o {
	case OpEQ, OpNE, OpGT, OpGE, OpLT, OpLE:
		return true
	}
	return false
}

// Filter is one field/operator/value predicate. Filters in a query are ANDed.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value string `json:"value"`
}

// Order sorts by Field; ties fall through to the next Order.
type Order struct {
	Field string `json:"field"`
	Asc   bool   `json:"asc"`
}

// QueryOptions is a directory query. A zero value lists lobbies with free
// slots, newest first, capped at the default limit.
type QueryOptions struct {
	Filters []Filter `json:"filters,omitempty"`
	Order   []Order  `json:"order,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Skip    int      `json:"skip,omitempty"`
}

// HasSlots is the filter every quick join and default listing applies.
var HasSlots = Filter{Field: FieldAvailableSlots, Op: OpGT, Value: "0"}

// NewestFirst is the default ordering.
var NewestFirst = Order{Field: FieldCreated, Asc: false}

type fieldKind int

const (
	kindNumber fieldKind = iota
	kindString
	kindTime
)

func fieldKindOf(field string) (fieldKind, bool) {
	switch field {
	case FieldAvailableSlots, FieldMaxPlayers, FieldPlayerCount:
		return kindNumber, true
	case FieldName, FieldHostID:
		return kindString, true
	case FieldCreated, FieldLastUpdated:
		return kindTime, true
	}
	if strings.HasPrefix(field, attrPrefix) && len(field) > len(attrPrefix) {
		return kindString, true
	}
	return 0, false
}

// compiled filter with its value parsed once.
type predicate struct {
	Filter
	kind fieldKind
	num  int
	at   time.Time
}

func compile(f Filter) (predicate, error) {
	kind, ok := fieldKindOf(f.Field)
	if !ok {
		return predicate{}, fmt.Errorf("%w: unknown field %q", ErrInvalidFilter, f.Field)
	}
	if !f.Op.valid() {
		return predicate{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, f.Op)
	}
	p := predicate{Filter: f, kind: kind}
	switch kind {
	case kindNumber:
		n, err := strconv.Atoi(f.Value)
		if err != nil {
			return predicate{}, fmt.Errorf("%w: %s expects a number, got %q", ErrInvalidFilter, f.Field, f.Value)
		}
		p.num = n
	case kindTime:
		t, err := time.Parse(time.RFC3339, f.Value)
		if err != nil {
			return predicate{}, fmt.Errorf("%w: %s expects an RFC3339 time, got %q", ErrInvalidFilter, f.Field, f.Value)
		}
		p.at = t
	}
	return p, nil
}

func cmpResult(c int, op Op) bool {
	switch op {
	case OpEQ:
		return c == 0
	case OpNE:
		return c != 0
	case OpGT:
		return c > 0
	case OpGE:
		return c >= 0
	case OpLT:
		return c < 0
	case OpLE:
		return c <= 0
	}
	return false
}

func (p predicate) match(e *models.DirectoryEntry) bool {
	switch p.kind {
	case kindNumber:
		return cmpResult(compareInt(numberField(e, p.Field), p.num), p.Op)
	case kindTime:
		return cmpResult(timeField(e, p.Field).Compare(p.at), p.Op)
	default:
		v, ok := stringField(e, p.Field)
		if !ok {
			// absent attributes never match
			return false
		}
		return cmpResult(strings.Compare(v, p.Value), p.Op)
	}
}

func numberField(e *models.DirectoryEntry, field string) int {
	switch field {
	case FieldAvailableSlots:
		return e.AvailableSlots
	case FieldMaxPlayers:
		return e.MaxPlayers
	default:
		return e.PlayerCount
	}
}

func timeField(e *models.DirectoryEntry, field string) time.Time {
	if field == FieldLastUpdated {
		return e.LastUpdatedAt
	}
	return e.CreatedAt
}

func stringField(e *models.DirectoryEntry, field string) (string, bool) {
	switch field {
	case FieldName:
		return e.Name, true
	case FieldHostID:
		return e.HostID, true
	}
	a, ok := e.Attributes[strings.TrimPrefix(field, attrPrefix)]
	return a.Value, ok
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareField(a, b *models.DirectoryEntry, field string) int {
	kind, _ := fieldKindOf(field)
	switch kind {
	case kindNumber:
		return compareInt(numberField(a, field), numberField(b, field))
	case kindTime:
		return timeField(a, field).Compare(timeField(b, field))
	}
	av, _ := stringField(a, field)
	bv, _ := stringField(b, field)
	return strings.Compare(av, bv)
}

// Directory answers discovery queries over the public lobbies in a Store.
// It keeps no index of its own; every query is recomputed from a snapshot.
type Directory struct {
	store        *Store
	DefaultLimit int
	MaxLimit     int
}

// NewDirectory returns a Directory reading from store.
func NewDirectory(store *Store) *Directory {
	return &Directory{
		store:        store,
		DefaultLimit: DefaultQueryLimit,
		MaxLimit:     MaxQueryLimit,
	}
}

// Query returns public lobbies matching every filter, sorted and paged.
// With no filters the HasSlots filter applies; with no order, NewestFirst.
func (d *Directory) Query(opts QueryOptions) ([]models.DirectoryEntry, error) {
	filters := opts.Filters
	if len(filters) == 0 {
		filters = []Filter{HasSlots}
	}
	preds := make([]predicate, 0, len(filters))
	for _, f := range filters {
		p, err := compile(f)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}

	order := opts.Order
	if len(order) == 0 {
		order = []Order{NewestFirst}
	}
	for _, o := range order {
		if _, ok := fieldKindOf(o.Field); !ok {
			return nil, fmt.Errorf("%w: unknown order field %q", ErrInvalidFilter, o.Field)
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = d.DefaultLimit
	}
	if limit > d.MaxLimit {
		limit = d.MaxLimit
	}
	if opts.Skip < 0 {
		return nil, fmt.Errorf("%w: negative skip", ErrInvalidFilter)
	}

	entries := make([]models.DirectoryEntry, 0)
	for _, l := range d.store.Snapshot() {
		if l.IsPrivate {
			continue
		}
		e := l.DirectoryEntry()
		if matchesAll(&e, preds) {
			entries = append(entries, e)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := &entries[i], &entries[j]
		for _, o := range order {
			c := compareField(a, b, o.Field)
			if c == 0 {
				continue
			}
			if o.Asc {
				return c < 0
			}
			return c > 0
		}
		return a.ID.String() < b.ID.String()
	})

	if opts.Skip >= len(entries) {
		return []models.DirectoryEntry{}, nil
	}
	entries = entries[opts.Skip:]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func matchesAll(e *models.DirectoryEntry, preds []predicate) bool {
	for _, p := range preds {
		if !p.match(e) {
			return false
		}
	}
	return true
}

// ParseFilter parses "field:op:value", e.g. "available_slots:gt:0".
// The value may itself contain colons (RFC3339 times do).
func ParseFilter(s string) (Filter, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Filter{}, fmt.Errorf("%w: want field:op:value, got %q", ErrInvalidFilter, s)
	}
	f := Filter{Field: parts[0], Op: Op(strings.ToLower(parts[1])), Value: parts[2]}
	if _, err := compile(f); err != nil {
		return Filter{}, err
	}
	return f, nil
}

// ParseOrder parses "field" (ascending) or "-field" (descending).
func ParseOrder(s string) (Order, error) {
	o := Order{Field: s, Asc: true}
	if strings.HasPrefix(s, "-") {
		o = Order{Field: s[1:], Asc: false}
	}
	if _, ok := fieldKindOf(o.Field); !ok {
		return Order{}, fmt.Errorf("%w: unknown order field %q", ErrInvalidFilter, o.Field)
	}
	return o, nil
}

// String renders the filter in ParseFilter form.
func (f Filter) String() string {
	return f.Field + ":" + string(f.Op) + ":" + f.Value
}

// String renders the order in ParseOrder form.
func (o Order) String() string {
	if o.Asc {
		return o.Field
	}
	return "-" + o.Field
}
