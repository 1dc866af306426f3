// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package conflict detects contradictory active laws and resolves them
// through context separation, dominance scoring, or provisional marking.
package conflict

import "strings"

// Context signatures follow the grammar domain[:qualifier]. A bare domain
// covers every qualified sub-context of that domain.

// SplitContext returns the domain tag and optional qualifier.
func SplitContext(signature string) (string, string) {
	domain, qualifier, _ := strings.Cut(signature, ":")
	return domain, qualifier
}

// Disjoint reports whether two context signatures can be proven to never
// overlap: different domain tags, or distinct qualifiers under the same
// domain.
func Disjoint(a, b string) bool {
	domainA, qualA := SplitContext(a)
	domainB, qualB := SplitContext(b)
	if domainA != domainB {
		return true
	}
	return qualA != "" && qualB != "" && qualA != qualB
}

// Overlapping is the conflict precondition.
func Overlapping(a, b string) bool {
	return !Disjoint(a, b)
}

// Contradicts reports whether two symbolic expressions cannot both hold.
// Expressions are opaque apart from two structural forms: explicit negation
// ("NOT(expr)") and condition/action rules ("IF cond THEN action") with the
// same condition and different actions.
func Contradicts(exprA, exprB string) bool {
	if negated(exprA) == exprB || negated(exprB) == exprA {
		return true
	}
	condA, actionA, okA := splitRule(exprA)
	condB, actionB, okB := splitRule(exprB)
	return okA && okB && condA == condB && actionA != actionB
}

func negated(expr string) string {
	inner, ok := strings.CutPrefix(expr, "NOT(")
	if !ok || !strings.HasSuffix(inner, ")") {
		return ""
	}
	return strings.TrimSuffix(inner, ")")
}

func splitRule(expr string) (string, string, bool) {
	rest, ok := strings.CutPrefix(expr, "IF ")
	if !ok {
		return "", "", false
	}
	cond, action, ok := strings.Cut(rest, " THEN ")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(cond), strings.TrimSpace(action), true
}
