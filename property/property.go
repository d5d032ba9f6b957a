// Package property implements the property/data slot abstraction of §3's
// Property/Data model: a single descriptor struct carrying a value-variant,
// a flag bitset, a legal-state mask, a default-value hook, a validator, and
// an optional PrepareTaskEnv hook, replacing the source's TValue inheritance
// tree (§9 Design Notes). Grounded on original_source/property.{hpp,cpp}
// for the concrete slot names, defaults and flags, expressed the way the
// teacher expresses small typed-registry abstractions (daemon/config.go's
// flag-driven option table).
package property

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/yandex/porto/internal/perr"
	"github.com/yandex/porto/internal/taskenv"
)

// Kind is the value-variant carried by a slot (§3: "string, int, uint,
// bool, list of strings, list of ints, string->uint map").
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindUint
	KindBool
	KindStringList
	KindIntList
	KindStringUintMap
)

// Flag is one bit of a slot's flag set (§3).
type Flag uint32

const (
	Persistent Flag = 1 << iota
	Hidden
	ReadOnly
	SuperuserOnly
	PathValidated
	ParentReadOnly
	ParentDefault
	RestrictedRoot
	OsModeOverride
	UintHasUnit
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// State is the subset of container lifecycle states re-exported here to
// avoid an import cycle with the container package; values line up
// positionally with container.State (§3: Stopped, Starting, Running,
// Paused, Meta, Dead).
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePaused
	StateMeta
	StateDead
)

// StateMask is a bitmask of legal States for a read or write.
type StateMask uint8

func MaskOf(states ...State) StateMask {
	var m StateMask
	for _, s := range states {
		m |= 1 << uint(s)
	}
	return m
}

func (m StateMask) Allows(s State) bool { return m&(1<<uint(s)) != 0 }

// AnyState permits access in every lifecycle state.
var AnyState = MaskOf(StateStopped, StateStarting, StateRunning, StatePaused, StateMeta, StateDead)

// Value is the sum-type container for a slot's current value.
type Value struct {
	Kind       Kind
	Str        string
	Int        int64
	Uint       uint64
	Bool       bool
	StrList    []string
	IntList    []int64
	StrUintMap map[string]uint64
}

func StringValue(s string) Value    { return Value{Kind: KindString, Str: s} }
func IntValue(i int64) Value        { return Value{Kind: KindInt, Int: i} }
func UintValue(u uint64) Value      { return Value{Kind: KindUint, Uint: u} }
func BoolValue(b bool) Value        { return Value{Kind: KindBool, Bool: b} }
func StringListValue(l []string) Value { return Value{Kind: KindStringList, StrList: l} }

// Parse is Marshal's inverse: it decodes the wire-format string the client
// sent for SetProperty into a typed Value of the given kind (§6
// SetProperty). Lists and maps use the same ";"-joined, "k:v" conventions
// Marshal emits.
func Parse(kind Kind, raw string) (Value, error) {
	switch kind {
	case KindString:
		return StringValue(raw), nil
	case KindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("property: parse int %q: %w", raw, err)
		}
		return IntValue(n), nil
	case KindUint:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("property: parse uint %q: %w", raw, err)
		}
		return UintValue(n), nil
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Value{}, fmt.Errorf("property: parse bool %q: %w", raw, err)
		}
		return BoolValue(b), nil
	case KindStringList:
		if raw == "" {
			return StringListValue(nil), nil
		}
		return StringListValue(strings.Split(raw, ";")), nil
	case KindIntList:
		if raw == "" {
			return Value{Kind: KindIntList}, nil
		}
		parts := strings.Split(raw, ";")
		list := make([]int64, len(parts))
		for i, p := range parts {
			n, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("property: parse int list %q: %w", raw, err)
			}
			list[i] = n
		}
		return Value{Kind: KindIntList, IntList: list}, nil
	case KindStringUintMap:
		m := map[string]uint64{}
		if raw != "" {
			for _, pair := range strings.Split(raw, ";") {
				kv := strings.SplitN(pair, ":", 2)
				if len(kv) != 2 {
					return Value{}, fmt.Errorf("property: malformed map entry %q", pair)
				}
				n, err := strconv.ParseUint(kv[1], 10, 64)
				if err != nil {
					return Value{}, fmt.Errorf("property: parse map value %q: %w", pair, err)
				}
				m[kv[0]] = n
			}
		}
		return Value{Kind: KindStringUintMap, StrUintMap: m}, nil
	default:
		return Value{}, fmt.Errorf("property: unknown kind %d", kind)
	}
}

// ParseFor parses raw into a Value of the kind name's descriptor declares,
// the dispatcher's entry point for SetProperty. Uint slots flagged
// UintHasUnit are parsed with ParseSize.
func (r *Registry) ParseFor(name, raw string) (Value, error) {
	d, ok := r.Get(name)
	if !ok {
		return Value{}, perr.New(perr.InvalidProperty, "unknown property %q", name)
	}
	if d.Kind == KindUint && d.Flags.Has(UintHasUnit) {
		n, err := ParseSize(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindUint, Uint: n}, nil
	}
	return Parse(d.Kind, raw)
}

// Marshal renders a Value the way the client wire format expects (§6):
// scalars as their natural string form, lists ';'-joined, maps as
// "k:v;k:v" sorted by key.
func (v Value) Marshal() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindUint:
		return strconv.FormatUint(v.Uint, 10)
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindStringList:
		return strings.Join(v.StrList, ";")
	case KindIntList:
		parts := make([]string, len(v.IntList))
		for i, n := range v.IntList {
			parts[i] = strconv.FormatInt(n, 10)
		}
		return strings.Join(parts, ";")
	case KindStringUintMap:
		keys := make([]string, 0, len(v.StrUintMap))
		for k := range v.StrUintMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s:%d", k, v.StrUintMap[k]))
		}
		return strings.Join(parts, ";")
	default:
		return ""
	}
}

// Container is the minimal read surface a descriptor's hooks need from the
// owning container: its own current properties, and its parent's (for
// ParentDefault/ParentReadOnly resolution), without importing the
// container package (which imports property).
type Container interface {
	Name() string
	State() State
	IsRoot() bool
	GetRaw(name string) (Value, bool)
	Parent() Container
}

// Descriptor is one named property or data slot (§3, §9).
type Descriptor struct {
	Name  string
	Kind  Kind
	Flags Flag
	Legal StateMask

	// Default computes the slot's value when unset. May consult c (for
	// ParentDefault) or other properties.
	Default func(c Container) Value

	// Validate checks a proposed write (properties only; data slots leave
	// this nil).
	Validate func(c Container, v Value) error

	// PrepareTaskEnv maps the slot's current value into env, run for every
	// slot with this hook set during Start (§4.3 step 2). May fail (e.g.
	// the command property's word-expansion, §8: "a command string that
	// fails to word-expand returns InvalidValue at Start time").
	PrepareTaskEnv func(c Container, v Value, env *taskenv.TaskEnv) error
}

// IsData reports whether this is a read-only derivation (data slot) rather
// than a client-writable property (§3: "data slots are read-only
// derivations... both share the slot abstraction").
func (d *Descriptor) IsData() bool { return d.Flags.Has(ReadOnly) }

// Store is one container's raw property values, keyed by slot name — the
// mutable half of the slot abstraction (§3 "Property map and data map").
// Kept separate from Registry, which is the shared, read-only set of
// Descriptors every container's Store is interpreted against.
type Store struct {
	values map[string]Value
}

// NewStore returns an empty property store.
func NewStore() *Store { return &Store{values: map[string]Value{}} }

// Get returns the raw stored value for name, if any was explicitly set.
func (s *Store) Get(name string) (Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Set stores a raw value for name, overwriting any previous value.
func (s *Store) Set(name string, v Value) { s.values[name] = v }

// Delete clears an explicitly stored value, reverting Resolve to the
// slot's Default hook.
func (s *Store) Delete(name string) { delete(s.values, name) }

// All returns every explicitly stored name/value pair, used by the
// persistence layer to serialize a container's record (§4.2 "writes an
// initial persistent record").
func (s *Store) All() map[string]Value {
	out := make(map[string]Value, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Registry is the fixed set of slot descriptors known to the daemon.
type Registry struct {
	byName map[string]*Descriptor
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]*Descriptor{}}
}

func (r *Registry) Add(d *Descriptor) {
	if _, exists := r.byName[d.Name]; !exists {
		r.order = append(r.order, d.Name)
	}
	r.byName[d.Name] = d
}

func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Names returns every registered slot name in registration order, filtering
// by whether it is a data slot (for Plist/Dlist, §6).
func (r *Registry) Names(data bool) []string {
	var out []string
	for _, n := range r.order {
		if r.byName[n].IsData() == data {
			out = append(out, n)
		}
	}
	return out
}

// CheckAccess validates that name may be read or written given the
// caller's privilege and the container's current state (§3, §7
// InvalidProperty/InvalidState/Permission).
func (r *Registry) CheckAccess(name string, write bool, c Container, superuser bool) (*Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, perr.New(perr.InvalidProperty, "unknown property %q", name)
	}
	if write && d.IsData() {
		return nil, perr.New(perr.InvalidProperty, "%q is read-only", name)
	}
	if d.Flags.Has(SuperuserOnly) && !superuser {
		return nil, perr.New(perr.Permission, "%q requires superuser", name)
	}
	if !d.Legal.Allows(c.State()) {
		return nil, perr.New(perr.InvalidState, "%q is not accessible in the current state", name)
	}
	if write && d.Flags.Has(ParentReadOnly) {
		if p := c.Parent(); p != nil {
			if pv, ok := p.GetRaw(name); ok && pv.Bool {
				return nil, perr.New(perr.Permission, "%q is fixed by the parent container", name)
			}
		}
	}
	if write && c.IsRoot() && d.Flags.Has(RestrictedRoot) {
		return nil, perr.New(perr.Permission, "%q cannot be set on the root container", name)
	}
	return d, nil
}

// Resolve returns the slot's effective value: the raw stored value if
// present, else the Default hook's result, else the zero Value (§3
// "a default-value hook (may consult parent or other properties)").
func (r *Registry) Resolve(name string, c Container) (Value, error) {
	d, ok := r.byName[name]
	if !ok {
		return Value{}, perr.New(perr.InvalidProperty, "unknown property %q", name)
	}
	if v, ok := c.GetRaw(name); ok {
		return v, nil
	}
	if d.Default != nil {
		return d.Default(c), nil
	}
	return Value{Kind: d.Kind}, nil
}

// ApplyTaskEnv walks every registered slot with a PrepareTaskEnv hook and
// folds its resolved value into env (§4.3 step 2).
func (r *Registry) ApplyTaskEnv(c Container, env *taskenv.TaskEnv) error {
	for _, name := range r.order {
		d := r.byName[name]
		if d.PrepareTaskEnv == nil {
			continue
		}
		v, err := r.Resolve(name, c)
		if err != nil {
			return err
		}
		if err := d.PrepareTaskEnv(c, v, env); err != nil {
			return perr.Wrap(perr.InvalidValue, err, "property %q", name)
		}
	}
	return nil
}
