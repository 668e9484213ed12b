package sandbox

import (
	"fmt"

	"github.com/dop251/goja"
)

// hardenScript runs once in every new runtime, before any rule code. It
// removes the globals that could reach the host or the clock, cuts the
// Function constructor out of every function prototype and freezes the
// intrinsics reachable from the global object or from a fresh iterator, so
// nothing written by one execution can be observed by the next.
const hardenScript = `
(function (global) {
	"use strict";
	var banned = [
		"eval", "Function", "globalThis", "Date", "Promise", "Proxy", "Reflect",
		"WeakRef", "FinalizationRegistry", "SharedArrayBuffer", "Atomics", "WebAssembly",
		"setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval",
		"queueMicrotask", "require", "process", "console"
	];
	for (var i = 0; i < banned.length; i++) {
		delete global[banned[i]];
	}
	delete Math.random;

	var functionPrototypes = [
		Object.getPrototypeOf(function () {}),
		Object.getPrototypeOf(function* () {}),
		Object.getPrototypeOf(async function () {})
	];
	for (var j = 0; j < functionPrototypes.length; j++) {
		Object.defineProperty(functionPrototypes[j], "constructor", {
			value: undefined, writable: false, enumerable: false, configurable: false
		});
	}

	var seen = new Set();
	function freeze(o) {
		if (o === null || (typeof o !== "object" && typeof o !== "function") || seen.has(o)) {
			return;
		}
		seen.add(o);
		Object.freeze(o);
		var keys = Object.getOwnPropertyNames(o).concat(Object.getOwnPropertySymbols(o));
		for (var k = 0; k < keys.length; k++) {
			var d = Object.getOwnPropertyDescriptor(o, keys[k]);
			if (!d) {
				continue;
			}
			if ("value" in d) {
				freeze(d.value);
			} else {
				freeze(d.get);
				freeze(d.set);
			}
		}
		freeze(Object.getPrototypeOf(o));
	}
	freeze(global);
	for (var p = 0; p < functionPrototypes.length; p++) {
		freeze(functionPrototypes[p]);
	}

	// Iterator prototypes are only reachable from live instances.
	var iterators = [
		[][Symbol.iterator](),
		""[Symbol.iterator](),
		new Map()[Symbol.iterator](),
		new Set()[Symbol.iterator](),
		"a".matchAll(/a/g)
	];
	for (var q = 0; q < iterators.length; q++) {
		freeze(Object.getPrototypeOf(iterators[q]));
	}
})(this);
`

var hardenProgram = goja.MustCompile("harden", hardenScript, false)

// newRuntime builds a hardened runtime with no host bindings.
func newRuntime(maxCallStackSize int) (*goja.Runtime, error) {
	rt := goja.New()
	if maxCallStackSize > 0 {
		rt.SetMaxCallStackSize(maxCallStackSize)
	}
	if _, err := rt.RunProgram(hardenProgram); err != nil {
		return nil, fmt.Errorf("failed to harden runtime: %w", err)
	}
	return rt, nil
}
