package memory

import (
	"fmt"
	"sort"
)

// NewLeakTable creates a new, empty *LeakTable.
func NewLeakTable() *LeakTable {
	return &LeakTable{
		symbolsToAddrs: make(map[string]uint64),
	}
}

// LeakTable tracks the runtime addresses of symbols leaked from
// a target process.
//
// The table only grows: Record adds or updates a symbol, and there is
// no way to delete one. Updating a symbol is allowed because leaking
// the same symbol twice within a process lifetime produces the
// same address.
type LeakTable struct {
	symbolsToAddrs map[string]uint64
	order          []string
}

// Record adds or sets the address of a symbol.
func (o *LeakTable) Record(symbolName string, address uint64) *LeakTable {
	_, hasIt := o.symbolsToAddrs[symbolName]
	if !hasIt {
		o.order = append(o.order, symbolName)
	}

	o.symbolsToAddrs[symbolName] = address

	return o
}

// Address returns the address of the specified symbol and true if
// it was leaked.
func (o *LeakTable) Address(symbolName string) (uint64, bool) {
	addr, hasIt := o.symbolsToAddrs[symbolName]
	return addr, hasIt
}

// AddressOrExit returns the address of the specified symbol.
//
// If the symbol was not leaked, then DefaultExitFn is invoked.
func (o *LeakTable) AddressOrExit(symbolName string) uint64 {
	addr, hasIt := o.symbolsToAddrs[symbolName]
	if !hasIt {
		DefaultExitFn(fmt.Errorf("the symbol '%s' has not been leaked", symbolName))
	}

	return addr
}

// Len returns the number of leaked symbols.
func (o *LeakTable) Len() int {
	return len(o.symbolsToAddrs)
}

// Symbols returns the leaked symbol names in the order they were
// first recorded.
func (o *LeakTable) Symbols() []string {
	cp := make([]string, len(o.order))
	copy(cp, o.order)
	return cp
}

// Map returns a copy of the table as a map.
func (o *LeakTable) Map() map[string]uint64 {
	m := make(map[string]uint64, len(o.symbolsToAddrs))
	for k, v := range o.symbolsToAddrs {
		m[k] = v
	}
	return m
}

// String returns the table's contents sorted by symbol name.
func (o *LeakTable) String() string {
	names := make([]string, 0, len(o.symbolsToAddrs))
	for name := range o.symbolsToAddrs {
		names = append(names, name)
	}

	sort.Strings(names)

	str := "{"
	for i, name := range names {
		if i > 0 {
			str += ", "
		}
		str += fmt.Sprintf("%s: 0x%x", name, o.symbolsToAddrs[name])
	}

	return str + "}"
}
