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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

const regressionMaxOutput = 64 * 1024

// regressionCheck runs the target's configured test suite with a hard
// timeout. Skipped when no suite is configured, so projects without
// tests are not penalized.
type regressionCheck struct {
	command []string
	dir     string
	timeout time.Duration
}

func (regressionCheck) name() string { return CheckRegression }

func (c regressionCheck) run(ctx context.Context, in *checkInput) CheckResult {
	start := time.Now()
	res := CheckResult{Name: CheckRegression}

	if len(c.command) == 0 {
		res.Skipped = true
		res.Details = append(res.Details, "no regression suite configured")
		res.Duration = time.Since(start)
		return res
	}

	cmdCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, c.command[0], c.command[1:]...)
	if c.dir != "" {
		cmd.Dir = c.dir
	}

	var out bytes.Buffer
	limited := &limitedWriter{w: &out, limit: regressionMaxOutput}
	cmd.Stdout = limited
	cmd.Stderr = limited

	err := cmd.Run()
	res.Duration = time.Since(start)

	if cmdCtx.Err() == context.DeadlineExceeded {
		res.Details = append(res.Details, fmt.Sprintf("suite timed out after %s", c.timeout))
		return res
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Details = append(res.Details, fmt.Sprintf("suite exited %d", exitErr.ExitCode()))
		} else {
			res.Details = append(res.Details, fmt.Sprintf("suite did not run: %v", err))
		}
		res.Details = append(res.Details, outputTail(out.String(), 5)...)
		return res
	}

	res.Passed = true
	res.Score = 100
	return res
}

// outputTail returns the last n non-empty lines of command output.
func outputTail(output string, n int) []string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	var tail []string
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			tail = append(tail, line)
		}
	}
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	return tail
}

// limitedWriter caps captured output so a chatty suite cannot balloon
// memory.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	full := len(p)
	if lw.written >= lw.limit {
		lw.truncated = true
		return full, nil
	}
	if remain := lw.limit - lw.written; len(p) > remain {
		p = p[:remain]
		lw.truncated = true
	}
	n, err := lw.w.Write(p)
	lw.written += n
	if err != nil {
		return n, err
	}
	return full, nil
}
