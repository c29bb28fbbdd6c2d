// Package route parses slash-delimited remote store paths into typed
// addresses for the engine's dispatch table.
package route

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the entity a path refers to
type Kind int

const (
	KindUnknown Kind = iota
	KindRoot
	KindFeedNow
	KindFeedCount
	KindTurbidity
	KindTurbidityThreshold
	KindTimers
	KindTimerField
	KindGPIO
	KindMirror
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindRoot:               "root",
	KindFeedNow:            "feednow",
	KindFeedCount:          "feedCount",
	KindTurbidity:          "turbidity",
	KindTurbidityThreshold: "turbidity/threshold",
	KindTimers:             "timers",
	KindTimerField:         "timer",
	KindGPIO:               "gpio",
	KindMirror:             "mirror",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Field selects a single timer attribute. FieldNone means the whole timer.
type Field int

const (
	FieldNone Field = iota
	FieldTime
	FieldEnabled
	FieldTriggered
)

func (f Field) String() string {
	switch f {
	case FieldTime:
		return "time"
	case FieldEnabled:
		return "enabled"
	case FieldTriggered:
		return "triggered"
	default:
		return ""
	}
}

// Address is the parsed form of a remote path
type Address struct {
	Kind      Kind
	Path      string // normalized input path
	ID        string // timer id for KindTimerField
	Field     Field  // timer field for KindTimerField
	Pin       int    // logical pin for KindGPIO
	Remainder string // unparsed suffix, for logging
}

func (a Address) String() string {
	switch a.Kind {
	case KindTimerField:
		if a.Field == FieldNone {
			return fmt.Sprintf("timer(%s)", a.ID)
		}
		return fmt.Sprintf("timer(%s).%s", a.ID, a.Field)
	case KindGPIO:
		return fmt.Sprintf("gpio(%d)", a.Pin)
	default:
		return a.Kind.String()
	}
}

// Config holds the collection naming conventions
type Config struct {
	Collection string // collection key, e.g. "timers"
	IDPrefix   string // required id prefix, e.g. "timer"; empty accepts any id
	GPIOPrefix string // leaf prefix for pin paths, e.g. "gpio"
}

// DefaultConfig returns the conventions used by the feeder schema
func DefaultConfig() Config {
	return Config{
		Collection: "timers",
		IDPrefix:   "timer",
		GPIOPrefix: "gpio",
	}
}

// Router turns paths into addresses. It holds no mutable state.
type Router struct {
	config Config
}

// New creates a router
func New(config Config) *Router {
	if config.Collection == "" {
		config.Collection = "timers"
	}
	if config.GPIOPrefix == "" {
		config.GPIOPrefix = "gpio"
	}
	return &Router{config: config}
}

// Config returns the router's conventions
func (r *Router) Config() Config {
	return r.config
}

// ValidID reports whether id is an acceptable timer id
func (r *Router) ValidID(id string) bool {
	if id == "" || strings.Contains(id, "/") {
		return false
	}
	return strings.HasPrefix(id, r.config.IDPrefix)
}

// Join appends a child key to a path
func Join(parent, child string) string {
	parent = strings.TrimRight(parent, "/")
	return parent + "/" + strings.Trim(child, "/")
}

// TimerPath returns the remote path of a timer field
func (r *Router) TimerPath(id string, field Field) string {
	p := "/" + r.config.Collection + "/" + id
	if field != FieldNone {
		p += "/" + field.String()
	}
	return p
}

// CollectionPath returns the remote path of the timer collection
func (r *Router) CollectionPath() string {
	return "/" + r.config.Collection
}

// Parse classifies a path. It never fails; unroutable paths are KindUnknown.
func (r *Router) Parse(p string) Address {
	segs := tokenize(p)
	addr := Address{Path: "/" + strings.Join(segs, "/")}

	if len(segs) == 0 {
		addr.Kind = KindRoot
		return addr
	}

	head := segs[0]
	rest := segs[1:]

	switch {
	case head == "feednow" && len(rest) == 0:
		addr.Kind = KindFeedNow
	case head == "feedCount" && len(rest) == 0:
		addr.Kind = KindFeedCount
	case head == "lastFed" && len(rest) == 0:
		addr.Kind = KindMirror
	case head == "device":
		addr.Kind = KindMirror
	case head == "turbidity":
		r.parseTurbidity(&addr, rest)
	case head == r.config.Collection:
		r.parseCollection(&addr, rest)
	case strings.HasPrefix(head, r.config.GPIOPrefix) && len(rest) == 0:
		n, err := strconv.Atoi(strings.TrimPrefix(head, r.config.GPIOPrefix))
		if err != nil || n < 0 {
			addr.Kind = KindUnknown
			addr.Remainder = head
			return addr
		}
		addr.Kind = KindGPIO
		addr.Pin = n
	default:
		addr.Kind = KindUnknown
		addr.Remainder = strings.Join(segs, "/")
	}
	return addr
}

func (r *Router) parseTurbidity(addr *Address, rest []string) {
	switch {
	case len(rest) == 0:
		addr.Kind = KindTurbidity
	case len(rest) == 1 && rest[0] == "threshold":
		addr.Kind = KindTurbidityThreshold
	case len(rest) == 1 && (rest[0] == "value" || rest[0] == "lastUpdate" || rest[0] == "alert"):
		addr.Kind = KindMirror
	default:
		addr.Kind = KindUnknown
		addr.Remainder = strings.Join(rest, "/")
	}
}

func (r *Router) parseCollection(addr *Address, rest []string) {
	if len(rest) == 0 {
		addr.Kind = KindTimers
		return
	}
	id := rest[0]
	if !r.ValidID(id) {
		addr.Kind = KindUnknown
		addr.Remainder = strings.Join(rest, "/")
		return
	}
	addr.ID = id

	switch {
	case len(rest) == 1:
		addr.Kind = KindTimerField
		addr.Field = FieldNone
	case len(rest) == 2:
		f, ok := parseField(rest[1])
		if !ok {
			addr.Kind = KindUnknown
			addr.Remainder = rest[1]
			return
		}
		addr.Kind = KindTimerField
		addr.Field = f
	default:
		addr.Kind = KindUnknown
		addr.Remainder = strings.Join(rest[1:], "/")
	}
}

func parseField(s string) (Field, bool) {
	switch s {
	case "time":
		return FieldTime, true
	case "enabled":
		return FieldEnabled, true
	case "triggered":
		return FieldTriggered, true
	}
	return FieldNone, false
}

// tokenize splits a path on '/' dropping empty segments
func tokenize(p string) []string {
	raw := strings.Split(p, "/")
	segs := raw[:0]
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
