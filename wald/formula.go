package wald

import (
	"strings"

	"github.com/grailbio/base/errors"
)

// Formula is a parsed model formula of the form "~ 1 + a + b + c:d".
// Every named factor refers to a categorical annotation column.
type Formula struct {
	// Intercept is true unless the formula contains "0" or "- 1".
	Intercept bool
	// Terms lists the non-intercept terms. A term with more than one factor
	// is an interaction.
	Terms [][]string
}

// ParseFormula parses a right-hand-side-only model formula.
func ParseFormula(s string) (Formula, error) {
	f := Formula{Intercept: true}
	rhs := strings.TrimSpace(s)
	if !strings.HasPrefix(rhs, "~") {
		return f, errors.E(errors.Invalid, "formula must start with '~': "+s)
	}
	rhs = strings.TrimSpace(rhs[1:])
	if rhs == "" {
		return f, errors.E(errors.Invalid, "empty formula: "+s)
	}
	seen := map[string]bool{}
	for _, tok := range strings.Split(rhs, "+") {
		tok = strings.TrimSpace(tok)
		// "a - 1" arrives as one token. A hyphen inside a name ("sample-1")
		// is not a removal.
		if i := strings.LastIndex(tok, "-"); i >= 0 && (i == 0 || tok[i-1] == ' ') && strings.TrimSpace(tok[i+1:]) == "1" {
			f.Intercept = false
			tok = strings.TrimSpace(tok[:i])
		}
		switch tok {
		case "", "1":
			continue
		case "0":
			f.Intercept = false
			continue
		}
		var term []string
		for _, fac := range strings.Split(tok, ":") {
			fac = strings.TrimSpace(fac)
			if fac == "" || strings.ContainsAny(fac, " *()") || strings.HasPrefix(fac, "-") {
				return f, errors.E(errors.Invalid, "bad term '"+tok+"' in formula: "+s)
			}
			term = append(term, fac)
		}
		key := strings.Join(term, ":")
		if seen[key] {
			continue
		}
		seen[key] = true
		f.Terms = append(f.Terms, term)
	}
	return f, nil
}

// Factors lists every factor named in the formula, in order of first use.
func (f Formula) Factors() []string {
	seen := map[string]bool{}
	var out []string
	for _, term := range f.Terms {
		for _, fac := range term {
			if !seen[fac] {
				seen[fac] = true
				out = append(out, fac)
			}
		}
	}
	return out
}

// String renders the formula in canonical form.
func (f Formula) String() string {
	parts := []string{"1"}
	if !f.Intercept {
		parts[0] = "0"
	}
	for _, term := range f.Terms {
		parts = append(parts, strings.Join(term, ":"))
	}
	return "~ " + strings.Join(parts, " + ")
}
