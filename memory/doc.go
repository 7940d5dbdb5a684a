// Package memory provides functionality for representing and
// recording memory addresses of a target process.
//
// This API is heavily influenced by the 'pwntools' Python library,
// and the 'pwn' Go library by Tnze.
//
// Pointers
//
// A PointerMaker encodes and decodes addresses for a specific target
// platform (its pointer size and byte order). Addresses that are
// leaked through output routines such as puts(3) usually arrive
// truncated at the first null byte. PointerMaker.FromLeak accounts
// for that by zero-extending short leaks to the size of a pointer.
//
// Leaks
//
// A LeakTable records the addresses of symbols leaked from a target
// process. Entries are only ever added or updated, never removed,
// which makes the table safe to hand from one exploitation stage to
// the next.
package memory
