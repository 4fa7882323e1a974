//go:build !kernel

package goruntime

// Hosted builds already run the runtime bootstrap before main, and the
// linker rejects references to its unexported functions, so the bootstrap
// steps are empty here.

func algInit()       {}
func modulesInit()   {}
func typeLinksInit() {}
func itabsInit()     {}
func mallocInit()    {}
