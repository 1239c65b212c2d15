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
	"github.com/smacker/go-tree-sitter/javascript"
)

// Risk pattern penalties. Risks reduce the syntax score without
// failing the check; only a parse error is a hard failure.
const (
	penaltyUnboundedLoop = 20
	penaltyLeakedTimer   = 15
	penaltyGlobalWrite   = 15
)

// syntaxCheck parses the candidate replacement in isolation and flags
// risk patterns: loops with no exit, interval timers with no cleanup,
// and writes to the global object.
type syntaxCheck struct{}

func (syntaxCheck) name() string { return CheckSyntax }

func (syntaxCheck) run(ctx context.Context, in *checkInput) CheckResult {
	start := time.Now()
	res := CheckResult{Name: CheckSyntax}

	source := []byte(in.candidate.Patch.Replacement)
	root, cleanup, err := parseJS(ctx, source)
	if err != nil {
		res.Details = append(res.Details, fmt.Sprintf("parser error: %v", err))
		res.Duration = time.Since(start)
		return res
	}
	defer cleanup()

	if errNode := findSyntaxError(root); errNode != nil {
		res.Details = append(res.Details,
			fmt.Sprintf("patch does not parse at line %d", int(errNode.StartPoint().Row)+1))
		res.Duration = time.Since(start)
		return res
	}

	score := 100.0
	for _, risk := range findRiskPatterns(root, source) {
		score -= float64(risk.penalty)
		res.Details = append(res.Details, risk.message)
	}
	if score < 0 {
		score = 0
	}

	res.Passed = true
	res.Score = score
	res.Duration = time.Since(start)
	return res
}

// parseJS parses source as JavaScript and returns the root with a
// cleanup closing both tree and parser.
func parseJS(ctx context.Context, source []byte) (*sitter.Node, func(), error) {
	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		parser.Close()
		return nil, nil, err
	}

	cleanup := func() {
		tree.Close()
		parser.Close()
	}
	return tree.RootNode(), cleanup, nil
}

// findSyntaxError returns the first error or missing node, nil when
// the tree is clean.
func findSyntaxError(node *sitter.Node) *sitter.Node {
	if node == nil {
		return nil
	}
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		if errNode := findSyntaxError(node.Child(int(i))); errNode != nil {
			return errNode
		}
	}
	return nil
}

type riskHit struct {
	penalty int
	message string
}

// findRiskPatterns walks the tree for constructs that are legal but
// dangerous in a hot-patched page.
func findRiskPatterns(root *sitter.Node, source []byte) []riskHit {
	var hits []riskHit

	hasClearInterval := strings.Contains(string(source), "clearInterval")

	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		if node == nil {
			return
		}

		switch node.Type() {
		case "while_statement":
			if cond := node.ChildByFieldName("condition"); cond != nil {
				condText := strings.Trim(nodeText(cond, source), "()")
				if condText == "true" && !hasLoopExit(node.ChildByFieldName("body")) {
					hits = append(hits, riskHit{
						penalty: penaltyUnboundedLoop,
						message: fmt.Sprintf("unbounded while(true) without exit at line %d", line(node)),
					})
				}
			}
		case "for_statement":
			// for(;;) carries an empty_statement in the condition field.
			cond := node.ChildByFieldName("condition")
			if (cond == nil || cond.Type() == "empty_statement") && !hasLoopExit(node.ChildByFieldName("body")) {
				hits = append(hits, riskHit{
					penalty: penaltyUnboundedLoop,
					message: fmt.Sprintf("unbounded for(;;) without exit at line %d", line(node)),
				})
			}
		case "call_expression":
			if fn := node.ChildByFieldName("function"); fn != nil {
				if nodeText(fn, source) == "setInterval" && !hasClearInterval {
					hits = append(hits, riskHit{
						penalty: penaltyLeakedTimer,
						message: fmt.Sprintf("setInterval without clearInterval at line %d", line(node)),
					})
				}
			}
		case "assignment_expression":
			if left := node.ChildByFieldName("left"); left != nil {
				target := nodeText(left, source)
				if strings.HasPrefix(target, "window.") || strings.HasPrefix(target, "globalThis.") {
					hits = append(hits, riskHit{
						penalty: penaltyGlobalWrite,
						message: fmt.Sprintf("write to global %s at line %d", target, line(node)),
					})
				}
			}
		}

		for i := uint32(0); i < node.ChildCount(); i++ {
			walk(node.Child(int(i)))
		}
	}
	walk(root)

	return hits
}

// hasLoopExit reports whether a loop body contains any break, return,
// or throw statement.
func hasLoopExit(body *sitter.Node) bool {
	if body == nil {
		return false
	}
	switch body.Type() {
	case "break_statement", "return_statement", "throw_statement":
		return true
	}
	for i := uint32(0); i < body.ChildCount(); i++ {
		if hasLoopExit(body.Child(int(i))) {
			return true
		}
	}
	return false
}

func nodeText(node *sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

func line(node *sitter.Node) int {
	return int(node.StartPoint().Row) + 1
}
