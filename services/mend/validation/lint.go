// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
)

type lintSeverity int

const (
	lintWarning lintSeverity = iota
	lintError
)

const (
	lintErrorPenalty   = 30
	lintWarningPenalty = 10
)

type lintViolation struct {
	rule     string
	severity lintSeverity
	message  string
}

// browserGlobals are identifiers a page script may assign without a
// local declaration.
var browserGlobals = map[string]bool{
	"window": true, "document": true, "console": true,
	"localStorage": true, "sessionStorage": true,
	"location": true, "history": true, "navigator": true,
	"globalThis": true, "self": true,
	"module": true, "exports": true,
}

// lintCheck runs static rules over the whole patched file: duplicate
// object keys, unreachable statements after return, empty catch
// blocks, assignments to undeclared identifiers, and eval use. Any
// error-severity violation fails the check; every violation costs
// score.
type lintCheck struct{}

func (lintCheck) name() string { return CheckLint }

func (lintCheck) run(ctx context.Context, in *checkInput) CheckResult {
	start := time.Now()
	res := CheckResult{Name: CheckLint}

	source := []byte(in.patched)
	root, cleanup, err := parseJS(ctx, source)
	if err != nil {
		res.Details = append(res.Details, fmt.Sprintf("parser error: %v", err))
		res.Duration = time.Since(start)
		return res
	}
	defer cleanup()

	violations := lintTree(root, source)

	score := 100.0
	failed := false
	for _, v := range violations {
		switch v.severity {
		case lintError:
			score -= lintErrorPenalty
			failed = true
		case lintWarning:
			score -= lintWarningPenalty
		}
		res.Details = append(res.Details, v.message)
	}
	if score < 0 {
		score = 0
	}

	res.Passed = !failed
	res.Score = score
	res.Duration = time.Since(start)
	return res
}

// lintTree applies all rules in one walk plus a declaration pre-pass.
func lintTree(root *sitter.Node, source []byte) []lintViolation {
	declared := collectDeclarations(root, source)

	var violations []lintViolation
	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		if node == nil {
			return
		}

		switch node.Type() {
		case "object":
			violations = append(violations, checkDuplicateKeys(node, source)...)
		case "statement_block", "program":
			violations = append(violations, checkUnreachable(node, source)...)
		case "catch_clause":
			if body := node.ChildByFieldName("body"); body != nil && body.NamedChildCount() == 0 {
				violations = append(violations, lintViolation{
					rule:     "empty-catch",
					severity: lintWarning,
					message:  fmt.Sprintf("empty catch block at line %d swallows errors", line(node)),
				})
			}
		case "assignment_expression":
			if v, ok := checkUndeclaredAssign(node, source, declared); ok {
				violations = append(violations, v)
			}
		case "call_expression":
			if fn := node.ChildByFieldName("function"); fn != nil && nodeText(fn, source) == "eval" {
				violations = append(violations, lintViolation{
					rule:     "no-eval",
					severity: lintError,
					message:  fmt.Sprintf("eval() at line %d", line(node)),
				})
			}
		}

		for i := uint32(0); i < node.ChildCount(); i++ {
			walk(node.Child(int(i)))
		}
	}
	walk(root)

	return violations
}

// collectDeclarations gathers every identifier the file declares:
// var/let/const declarators, function and class names, and function
// parameters (including catch parameters).
func collectDeclarations(root *sitter.Node, source []byte) map[string]bool {
	declared := make(map[string]bool)

	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		if node == nil {
			return
		}

		switch node.Type() {
		case "variable_declarator", "function_declaration", "class_declaration",
			"generator_function_declaration":
			if name := node.ChildByFieldName("name"); name != nil {
				declared[nodeText(name, source)] = true
			}
		case "formal_parameters":
			for i := 0; i < int(node.NamedChildCount()); i++ {
				param := node.NamedChild(i)
				if param.Type() == "identifier" {
					declared[nodeText(param, source)] = true
				}
			}
		case "catch_clause":
			if param := node.ChildByFieldName("parameter"); param != nil {
				declared[nodeText(param, source)] = true
			}
		case "arrow_function":
			if param := node.ChildByFieldName("parameter"); param != nil {
				declared[nodeText(param, source)] = true
			}
		}

		for i := uint32(0); i < node.ChildCount(); i++ {
			walk(node.Child(int(i)))
		}
	}
	walk(root)

	return declared
}

// checkDuplicateKeys flags repeated literal keys in one object.
func checkDuplicateKeys(obj *sitter.Node, source []byte) []lintViolation {
	seen := make(map[string]bool)
	var violations []lintViolation

	for i := 0; i < int(obj.NamedChildCount()); i++ {
		pair := obj.NamedChild(i)
		if pair.Type() != "pair" {
			continue
		}
		keyNode := pair.ChildByFieldName("key")
		if keyNode == nil {
			continue
		}
		key := strings.Trim(nodeText(keyNode, source), `"'`)
		if seen[key] {
			violations = append(violations, lintViolation{
				rule:     "duplicate-key",
				severity: lintError,
				message:  fmt.Sprintf("duplicate object key %q at line %d", key, line(pair)),
			})
		}
		seen[key] = true
	}
	return violations
}

// checkUnreachable flags statements following a return in the same
// block.
func checkUnreachable(block *sitter.Node, source []byte) []lintViolation {
	var violations []lintViolation

	returned := false
	for i := 0; i < int(block.NamedChildCount()); i++ {
		stmt := block.NamedChild(i)
		if returned && stmt.Type() != "comment" {
			violations = append(violations, lintViolation{
				rule:     "unreachable",
				severity: lintWarning,
				message:  fmt.Sprintf("unreachable statement after return at line %d", line(stmt)),
			})
			break
		}
		if stmt.Type() == "return_statement" || stmt.Type() == "throw_statement" {
			returned = true
		}
	}
	return violations
}

// checkUndeclaredAssign flags writes to bare identifiers never
// declared in the file and not known browser globals.
func checkUndeclaredAssign(assign *sitter.Node, source []byte, declared map[string]bool) (lintViolation, bool) {
	left := assign.ChildByFieldName("left")
	if left == nil || left.Type() != "identifier" {
		return lintViolation{}, false
	}
	name := nodeText(left, source)
	if declared[name] || browserGlobals[name] {
		return lintViolation{}, false
	}
	return lintViolation{
		rule:     "undeclared-assign",
		severity: lintWarning,
		message:  fmt.Sprintf("assignment to undeclared identifier %q at line %d", name, line(assign)),
	}, true
}
