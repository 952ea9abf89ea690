package mmapcache

import "strconv"

// Context identifies a caller-side access pattern. Each context remembers the
// last window it used, so repeated accesses with the same context skip the
// window list scan.
type Context int

const (
	ContextAny Context = iota
	ContextData
	ContextEntry
	ContextEntryArray
	ContextField
	ContextHashTable
	// ContextPin is reserved for windows attached by Pin.
	ContextPin

	contextMax
)

var contextNames = [contextMax]string{
	ContextAny:        "any",
	ContextData:       "data",
	ContextEntry:      "entry",
	ContextEntryArray: "entry-array",
	ContextField:      "field",
	ContextHashTable:  "hash-table",
	ContextPin:        "pin",
}

func (c Context) String() string {
	if c.valid() {
		return contextNames[c]
	}
	return "context(" + strconv.Itoa(int(c)) + ")"
}

func (c Context) valid() bool {
	return c >= 0 && c < contextMax
}
