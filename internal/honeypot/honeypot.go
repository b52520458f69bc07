// Package honeypot computes the rotating hidden-field name and checks whether
// a submission filled it.
//
// The field name rotates daily so harvested form markup goes stale. The
// server and the client-side form renderer derive the same name from the
// current date, so rotation needs no coordination or storage.
package honeypot

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

var fieldPool = []string{
	"user_verify",
	"email_check",
	"website_url",
	"phone_verify",
	"contact_name",
}

const prefix = "st_hp_"

// FieldName returns the honeypot field name in effect at the given time.
func FieldName(at time.Time) string {
	sum := md5.Sum([]byte(at.Format("20060102")))
	hexed := hex.EncodeToString(sum[:])
	return prefix + fieldPool[leadingInt(hexed[:2])%len(fieldPool)]
}

// Triggered reports whether the submission filled the honeypot field that was
// active at submission time. Only a non-empty value counts: the renderer
// ships the field empty, so any content means a bot filled it.
func Triggered(fields map[string]string, at time.Time) bool {
	return fields[FieldName(at)] != ""
}

// leadingInt converts the leading decimal digits of s to an int, ignoring
// everything from the first non-digit on. "7f" is 7, "ab" is 0. This exact
// truncation is load-bearing: the form renderer derives the same index the
// same way, and changing it would desynchronize field names for a day.
func leadingInt(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}
