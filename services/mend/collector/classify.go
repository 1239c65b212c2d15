// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collector

import "strings"

// baseSeverity is the starting severity per kind before message
// patterns and component criticality are considered.
var baseSeverity = map[ErrorKind]Severity{
	KindTypeError:        SeverityHigh,
	KindReferenceError:   SeverityHigh,
	KindRangeError:       SeverityHigh,
	KindSyntaxError:      SeverityHigh,
	KindPromiseRejection: SeverityMedium,
	KindNetworkFailure:   SeverityMedium,
	KindConsoleError:     SeverityMedium,
	KindStateInvariant:   SeverityHigh,
	KindUnknown:          SeverityMedium,
}

// messageRule overrides the base severity when a message substring
// matches. First match wins.
type messageRule struct {
	substring string
	severity  Severity
}

var messageRules = []messageRule{
	{"out of memory", SeverityCritical},
	{"maximum call stack", SeverityCritical},
	{"script error", SeverityHigh},
	{"failed to save", SeverityCritical},
	{"corrupt", SeverityCritical},
	{"nan", SeverityHigh},
	{"infinity", SeverityHigh},
	{"deprecated", SeverityLow},
	{"favicon", SeverityLow},
}

// Classifier assigns severity to incoming reports.
//
// Classification combines three signals: the base severity of the
// error kind, message content patterns, and whether the component is
// on the critical-components list (an entry-flow component that, if
// broken, blocks everything downstream gets bumped one level).
type Classifier struct {
	critical map[string]bool
}

// NewClassifier builds a classifier with the given critical component
// names. Names are matched case-insensitively.
func NewClassifier(criticalComponents []string) *Classifier {
	critical := make(map[string]bool, len(criticalComponents))
	for _, c := range criticalComponents {
		critical[strings.ToLower(c)] = true
	}
	return &Classifier{critical: critical}
}

// IsCritical reports whether the component is on the critical list.
func (c *Classifier) IsCritical(component string) bool {
	return c.critical[strings.ToLower(component)]
}

// Classify returns the severity for one observation.
func (c *Classifier) Classify(kind ErrorKind, component, message string) Severity {
	severity, ok := baseSeverity[kind]
	if !ok {
		severity = SeverityMedium
	}

	lower := strings.ToLower(message)
	for _, rule := range messageRules {
		if strings.Contains(lower, rule.substring) {
			severity = rule.severity
			break
		}
	}

	if c.IsCritical(component) {
		severity = severity.bump()
	}
	return severity
}
