// Package extension compiles operator-supplied JavaScript functions and
// registers them as engine scalar functions namespaced per endpoint.
package extension

import (
	"regexp"
	"strings"
	"unicode"
)

// Engine types a function may declare.
const (
	TypeText    = "TEXT"
	TypeInteger = "INTEGER"
	TypeDouble  = "DOUBLE"
	TypeBoolean = "BOOLEAN"
)

var returnTypes = map[string]string{
	"string":  TypeText,
	"integer": TypeInteger,
	"float":   TypeDouble,
	"number":  TypeDouble,
	"boolean": TypeBoolean,
}

var (
	identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	returnsTag = regexp.MustCompile(`@returns?\s*\{\s*([A-Za-z]+)\s*\}`)
)

// MapReturnType maps a declared annotation type to an engine type. Unknown
// or empty annotations map to TEXT.
func MapReturnType(declared string) string {
	if t, ok := returnTypes[strings.ToLower(strings.TrimSpace(declared))]; ok {
		return t
	}
	return TypeText
}

// DeclaredReturnType returns the type named by the @returns tag of the doc
// comment directly preceding the declaration of function name, or "".
func DeclaredReturnType(source, name string) string {
	decl := regexp.MustCompile(`\bfunction\s+` + regexp.QuoteMeta(name) + `\s*\(`)
	loc := decl.FindStringIndex(source)
	if loc == nil {
		return ""
	}

	prefix := strings.TrimRightFunc(source[:loc[0]], unicode.IsSpace)
	if !strings.HasSuffix(prefix, "*/") {
		return ""
	}
	open := strings.LastIndex(prefix, "/**")
	if open < 0 {
		return ""
	}
	m := returnsTag.FindStringSubmatch(prefix[open : len(prefix)-2])
	if m == nil {
		return ""
	}
	return m[1]
}

// ValidName reports whether name can be used as a function name.
func ValidName(name string) bool {
	return identifier.MatchString(name)
}
