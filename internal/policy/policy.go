// Package policy generates mmapplypolicy LIST rules and decodes the
// report lines they produce.
package policy

import (
	"fmt"
	"strings"
)

// Filter restricts the scan to entries owned by a single user or
// group. IDs are numeric; name resolution happens upstream.
type Filter struct {
	UserID  *uint32
	GroupID *uint32
}

// ListRuleName is the LIST rule identifier. Report files produced by
// mmapplypolicy are named <prefix>.list.<rule>.
const ListRuleName = "size"

// Rules returns the policy text for the scan. The SHOW clause must
// stay in sync with ParseLine.
func Rules(filter Filter) string {
	var b strings.Builder

	b.WriteString("RULE\n")
	b.WriteString("  EXTERNAL LIST 'size'\n")
	b.WriteString("  EXEC ''\n")
	b.WriteString("\n")
	b.WriteString("RULE 'TOTAL'\n")
	b.WriteString("  LIST 'size'\n")
	b.WriteString("  DIRECTORIES_PLUS\n")
	b.WriteString("  SHOW(VARCHAR(MODE) || ' ' ||\n")
	b.WriteString("       VARCHAR(NLINK) || ' ' ||\n")
	b.WriteString("       VARCHAR(FILE_SIZE) || ' ' ||\n")
	b.WriteString("       VARCHAR(KB_ALLOCATED) || ' ' ||\n")
	b.WriteString("       VARCHAR(DEVICE_ID))\n")

	switch {
	case filter.UserID != nil:
		fmt.Fprintf(&b, "  WHERE USER_ID = %d\n", *filter.UserID)
	case filter.GroupID != nil:
		fmt.Fprintf(&b, "  WHERE GROUP_ID = %d\n", *filter.GroupID)
	}

	return b.String()
}
