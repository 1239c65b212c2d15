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
)

// VerifySource parses a whole source file and reports the first syntax
// error, if any. The applier runs it against freshly written files so
// a patch that validated in isolation but broke its surroundings is
// caught and rolled back.
func VerifySource(ctx context.Context, source string) error {
	root, cleanup, err := parseJS(ctx, []byte(source))
	if err != nil {
		return fmt.Errorf("parsing source: %w", err)
	}
	defer cleanup()

	if errNode := findSyntaxError(root); errNode != nil {
		return fmt.Errorf("source does not parse at line %d", int(errNode.StartPoint().Row)+1)
	}
	return nil
}
