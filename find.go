package cabinet

// Package file find.go contains the file name selectors and the read me ranking.

import (
	"cmp"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// normalize returns a lower case name with slash separators.
func normalize(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, `\`, "/"))
}

// Selector is a compiled file name pattern.
//
// Patterns are case-insensitive and treat backslash and slash as the same
// separator, so a backslash can not escape a wildcard; use a class such as [*] instead.
//
//	*       any run of characters within one directory
//	**      any run of characters, including separators
//	?       any one character
//	[abc]   one of the characters, [a-z] a range, [!x] any but x
//	{a,b}   either alternative
type Selector struct {
	pattern string
	g       glob.Glob
}

// Compile parses a selector pattern.
func Compile(pattern string) (*Selector, error) {
	g, err := glob.Compile(normalize(pattern), '/')
	if err != nil {
		return nil, fmt.Errorf("cabinet selector %q: %w", pattern, err)
	}
	return &Selector{pattern: pattern, g: g}, nil
}

// Match reports whether the name matches the selector.
func (s *Selector) Match(name string) bool { return s.g.Match(normalize(name)) }

func (s *Selector) String() string { return s.pattern }

// Match returns the entries whose names match the selector pattern, in listing order.
func (a *Archive) Match(pattern string) ([]Entry, error) {
	s, err := Compile(pattern)
	if err != nil {
		return nil, err
	}
	var found []Entry
	for _, e := range a.entries {
		if s.Match(e.Name) {
			found = append(found, e)
		}
	}
	return found, nil
}

// Usability of search, filename pattern matches.
type Usability uint

const (
	// Lvl1 is the highest usability.
	Lvl1 Usability = iota + 1
	Lvl2
	Lvl3
	Lvl4
	Lvl5
	Lvl6
	Lvl7
	Lvl8
	Lvl9 // Lvl9 is the least usable.
)

const (
	diz = ".diz"
	nfo = ".nfo"
	txt = ".txt"
	doc = ".doc"
)

// usability ranks a lower case file name against the lower case cabinet base name.
// A zero result is not a text document.
func usability(name, base string) Usability {
	file := path.Base(name)
	ext := path.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	switch {
	case ext != diz && ext != nfo && ext != txt && ext != doc:
		return 0
	case file == base+nfo:
		// [cabinet name].nfo
		return Lvl1
	case file == base+txt:
		// [cabinet name].txt
		return Lvl2
	case stem == "readme" || stem == "read_me":
		return Lvl3
	case ext == nfo:
		return Lvl4
	case file == "file_id.diz":
		// BBS file description
		return Lvl5
	case file == base+diz:
		return Lvl6
	case ext == txt:
		return Lvl7
	case ext == diz:
		return Lvl8
	}
	return Lvl9
}

// Readme returns the entry most likely to be the read me text of the cabinet.
// The filename is the name of the cabinet file. Names are compared case-insensitively
// and entries in the root of the cabinet are preferred over those in a directory.
func Readme(filename string, entries ...Entry) (Entry, bool) {
	base := strings.ToLower(strings.TrimSuffix(path.Base(filename), path.Ext(filename)))
	type match struct {
		entry Entry
		level Usability
		depth int
	}
	var matches []match
	for _, e := range entries {
		name := normalize(e.Name)
		if lvl := usability(name, base); lvl > 0 {
			matches = append(matches, match{e, lvl, strings.Count(name, "/")})
		}
	}
	if len(matches) == 0 {
		return Entry{}, false
	}
	best := slices.MinFunc(matches, func(x, y match) int {
		return cmp.Or(cmp.Compare(x.depth, y.depth), cmp.Compare(x.level, y.level), cmp.Compare(x.entry.Index, y.entry.Index))
	})
	return best.entry, true
}
