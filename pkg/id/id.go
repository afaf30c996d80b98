package id

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func Generate() string {
	return uuid.New().String()
}

func IsValidUUID(id string) (uuid.UUID, error) {
	return uuid.Parse(id)
}

// Reference returns a time-sortable ledger reference such as
// "TRF_01JAB3...". References generated later sort after earlier ones.
func Reference(prefix string) string {
	return prefix + "_" + ulid.MustNewDefault(time.Now()).String()
}

// ReferenceTime extracts the creation time encoded in a reference produced by
// Reference.
func ReferenceTime(ref string) (time.Time, bool) {
	idx := strings.LastIndex(ref, "_")
	u, err := ulid.ParseStrict(ref[idx+1:])
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
