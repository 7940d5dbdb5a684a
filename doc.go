// Package ropkit builds return oriented programming exploits.
//
// An exploit is a list of stages run in order against an
// exploit.State: discovering the return address offset by crashing
// the target, leaking addresses through GOT entries, rebasing libc,
// and delivering gadget chains whose calls are padded so that they
// execute on an aligned stack.
//
// APIs are separated into subpackages, and documented accordingly.
//
// For scripting convenience, "OrExit" functions and methods are provided.
// Any errors encountered by these functions are treated as fatal. In such
// cases, an exit handler function is invoked.
package ropkit
