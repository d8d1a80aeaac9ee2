package jobs

import (
	"strings"

	"github.com/google/uuid"
)

// NewID derives a job ID from an input filename. Every character outside
// [A-Za-z0-9] becomes '_' and a short random suffix keeps IDs unique for the
// life of the process.
func NewID(filename string) string {
	var b strings.Builder
	b.Grow(len(filename) + 9)
	for _, r := range filename {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		b.WriteString("job")
	}
	b.WriteByte('-')
	b.WriteString(NewTag())
	return b.String()
}

// NewTag returns a random 8-character hex token.
func NewTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Tag returns the random suffix of an ID built by NewID.
func Tag(id string) string {
	if i := strings.LastIndexByte(id, '-'); i >= 0 {
		return id[i+1:]
	}
	return id
}
