package operations

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateID builds a new operation ID of the form
// op_[<prefix>_]<type>_<UTC timestamp>_<random suffix>, matching the format
// the backend has always used so existing tooling that parses operation IDs
// keeps working.
func GenerateID(opType Type, prefix string) Id {
	timestamp := time.Now().UTC().Format("20060102_150405")
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]

	if prefix != "" {
		return Id(fmt.Sprintf("op_%s_%s_%s_%s", prefix, opType, timestamp, suffix))
	}
	return Id(fmt.Sprintf("op_%s_%s_%s", opType, timestamp, suffix))
}
