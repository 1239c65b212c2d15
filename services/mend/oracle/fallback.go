// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianMend/services/mend/collector"
)

// fallbackCeiling caps template confidence. Templates patch blind, so
// they never outrank a validated oracle candidate.
const fallbackCeiling = 60

var (
	// "Cannot read properties of undefined (reading 'foo')" and the
	// older "Cannot read property 'foo' of undefined".
	readingPattern  = regexp.MustCompile(`reading '([A-Za-z_$][\w$]*)'`)
	propertyPattern = regexp.MustCompile(`property '([A-Za-z_$][\w$]*)'`)

	// "foo is not defined" and Safari's "Can't find variable: foo".
	notDefinedPattern   = regexp.MustCompile(`([A-Za-z_$][\w$]*) is not defined`)
	findVariablePattern = regexp.MustCompile(`find variable:?\s+([A-Za-z_$][\w$]*)`)
)

// FallbackCandidates produces deterministic template patches for one
// error record. Templates switch on the closed kind set; kinds without
// a usable template return nothing. All templates target the reported
// error line and need the bundle to cover it.
func FallbackCandidates(rec *collector.ErrorRecord, bundle collector.ContextBundle) []rawCandidate {
	line, ok := snippetLine(bundle, rec.Location.Line)
	if !ok {
		return nil
	}
	indent := indentOf(line)
	body := strings.TrimLeft(line, " \t")
	if body == "" {
		return nil
	}

	switch rec.Kind {
	case collector.KindTypeError:
		if cand, ok := optionalChain(rec.Message, line, rec.Location.Line); ok {
			return []rawCandidate{cand}
		}
		return []rawCandidate{guardWrap(indent, body, rec.Location.Line, "try-catch-wrap", 35,
			"Wrapped the failing statement in a recovery guard.")}

	case collector.KindReferenceError:
		if cand, ok := typeofGuard(rec.Message, indent, body, rec.Location.Line); ok {
			return []rawCandidate{cand}
		}
		return []rawCandidate{guardWrap(indent, body, rec.Location.Line, "try-catch-wrap", 35,
			"Wrapped the failing statement in a recovery guard.")}

	case collector.KindRangeError:
		return []rawCandidate{guardWrap(indent, body, rec.Location.Line, "range-guard", 35,
			"Guarded the statement that exceeded a value or size limit.")}

	case collector.KindSyntaxError:
		return []rawCandidate{{
			Confidence:  25,
			Code:        indent + "// " + body,
			Explanation: "Disabled the unparsable line so the rest of the file loads.",
			StartLine:   rec.Location.Line,
			EndLine:     rec.Location.Line,
			Strategy:    "comment-out",
		}}

	case collector.KindPromiseRejection:
		if cand, ok := promiseCatch(indent, body, rec.Location.Line); ok {
			return []rawCandidate{cand}
		}
		return []rawCandidate{guardWrap(indent, body, rec.Location.Line, "try-catch-wrap", 35,
			"Wrapped the failing statement in a recovery guard.")}

	case collector.KindNetworkFailure:
		return []rawCandidate{guardWrap(indent, body, rec.Location.Line, "network-guard", 40,
			"Guarded the network call so a failed request no longer escapes.")}

	case collector.KindStateInvariant:
		return []rawCandidate{guardWrap(indent, body, rec.Location.Line, "state-guard", 35,
			"Guarded the statement that violated a state invariant.")}

	case collector.KindConsoleError, collector.KindUnknown:
		return []rawCandidate{guardWrap(indent, body, rec.Location.Line, "try-catch-wrap", 30,
			"Wrapped the failing statement in a recovery guard.")}

	default:
		return nil
	}
}

// snippetLine maps a 1-based file line into the bundle's snippet.
func snippetLine(bundle collector.ContextBundle, line int) (string, bool) {
	if bundle.SourceSnippet == "" || bundle.SnippetStartLine < 1 {
		return "", false
	}
	lines := strings.Split(bundle.SourceSnippet, "\n")
	idx := line - bundle.SnippetStartLine
	if idx < 0 || idx >= len(lines) {
		return "", false
	}
	return lines[idx], true
}

func indentOf(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

// optionalChain rewrites `.prop` accesses named in the message to
// `?.prop`, the minimal change for undefined-receiver type errors.
func optionalChain(message, line string, lineNo int) (rawCandidate, bool) {
	var prop string
	if m := readingPattern.FindStringSubmatch(message); m != nil {
		prop = m[1]
	} else if m := propertyPattern.FindStringSubmatch(message); m != nil {
		prop = m[1]
	}
	if prop == "" {
		return rawCandidate{}, false
	}

	patched := strings.ReplaceAll(line, "."+prop, "?."+prop)
	// Undo doubled rewrites when the line already used optional chaining.
	patched = strings.ReplaceAll(patched, "??."+prop, "?."+prop)
	if patched == line {
		return rawCandidate{}, false
	}

	return rawCandidate{
		Confidence:  50,
		Code:        patched,
		Explanation: fmt.Sprintf("Used optional chaining for the '%s' access on a possibly undefined receiver.", prop),
		StartLine:   lineNo,
		EndLine:     lineNo,
		Strategy:    "optional-chain",
	}, true
}

// typeofGuard wraps the line so it only runs when the undeclared
// identifier from the message actually exists.
func typeofGuard(message, indent, body string, lineNo int) (rawCandidate, bool) {
	var ident string
	if m := notDefinedPattern.FindStringSubmatch(message); m != nil {
		ident = m[1]
	} else if m := findVariablePattern.FindStringSubmatch(message); m != nil {
		ident = m[1]
	}
	if ident == "" {
		return rawCandidate{}, false
	}

	code := indent + "if (typeof " + ident + " !== \"undefined\") {\n" +
		indent + "    " + body + "\n" +
		indent + "}"
	return rawCandidate{
		Confidence:  45,
		Code:        code,
		Explanation: fmt.Sprintf("Guarded the statement on '%s' being defined.", ident),
		StartLine:   lineNo,
		EndLine:     lineNo,
		Strategy:    "typeof-guard",
	}, true
}

// promiseCatch appends a rejection handler to a statement that looks
// like a promise chain or call.
func promiseCatch(indent, body string, lineNo int) (rawCandidate, bool) {
	trimmed := strings.TrimRight(body, ";")
	if !strings.Contains(trimmed, "(") {
		return rawCandidate{}, false
	}

	code := indent + trimmed + ".catch((err) => {\n" +
		indent + "    console.warn(\"recovered rejected promise:\", err && err.message);\n" +
		indent + "});"
	return rawCandidate{
		Confidence:  50,
		Code:        code,
		Explanation: "Attached a rejection handler to the unhandled promise chain.",
		StartLine:   lineNo,
		EndLine:     lineNo,
		Strategy:    "promise-catch",
	}, true
}

// guardWrap is the generic recovery template: run the original
// statement inside try/catch and log instead of crashing.
func guardWrap(indent, body string, lineNo int, tag string, confidence int, explanation string) rawCandidate {
	code := indent + "try {\n" +
		indent + "    " + body + "\n" +
		indent + "} catch (err) {\n" +
		indent + "    console.warn(\"recovered:\", err && err.message);\n" +
		indent + "}"
	return rawCandidate{
		Confidence:  confidence,
		Code:        code,
		Explanation: explanation,
		StartLine:   lineNo,
		EndLine:     lineNo,
		Strategy:    tag,
	}
}
