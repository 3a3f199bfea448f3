package common

import "strings"

// StdLib in an exclusion list matches every function of the Go standard
// library, runtime included.
const StdLib = "std"

// DefaultStepExclude keeps steps and stack traces out of the standard library
var DefaultStepExclude = []string{StdLib}

// Excluded reports whether function matches one of the patterns. A pattern
// is StdLib, a function name prefix, or a prefix preceded by '!' that
// exempts matching functions from all other patterns.
func Excluded(function string, patterns []string) bool {
	for _, p := range patterns {
		if len(p) > 1 && p[0] == '!' && strings.HasPrefix(function, p[1:]) {
			return false
		}
	}
	for _, p := range patterns {
		switch {
		case p == "" || p[0] == '!':
		case p == StdLib:
			if StandardLibrary(function) {
				return true
			}
		case strings.HasPrefix(function, p):
			return true
		}
	}
	return false
}

// StandardLibrary reports whether function belongs to a package whose
// import path starts with an element without a dot, like fmt or
// encoding/json. Package main is never part of it.
func StandardLibrary(function string) bool {
	pkg := PackageOf(function)
	if pkg == "" || pkg == "main" {
		return false
	}
	first, _, _ := strings.Cut(pkg, "/")
	return !strings.Contains(first, ".")
}

// PackageOf returns the import path part of a qualified function name
func PackageOf(function string) string {
	// type parameters may contain slashes and dots
	if i := strings.IndexByte(function, '['); i >= 0 {
		function = function[:i]
	}
	slash := strings.LastIndexByte(function, '/')
	if dot := strings.IndexByte(function[slash+1:], '.'); dot >= 0 {
		return function[:slash+1+dot]
	}
	return function
}

// ParseEntry splits an entry into the package under debug and the function
// whose first line starts the session. A bare package means its main
// function; github.com/x/pkg.TestFoo names the function itself.
func ParseEntry(entry string) (pkg string, function string) {
	slash := strings.LastIndexByte(entry, '/')
	if dot := strings.IndexByte(entry[slash+1:], '.'); dot >= 0 {
		return entry[:slash+1+dot], entry
	}
	return entry, entry + ".main"
}

// OwnedBy reports whether function is declared in the package named by typ
func OwnedBy(function string, typ TypeHandle) bool {
	if typ.Name == "" {
		return false
	}
	return strings.HasPrefix(function, typ.Name+".")
}
