package whatsapp

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidPhone = errors.New("invalid phone")
	ErrEmptyText    = errors.New("text is empty")
	ErrNotConnected = errors.New("whatsapp not connected")
)

var (
	nonDialable     = regexp.MustCompile(`[^+\d]`)
	trailingDigits  = regexp.MustCompile(`\d{6,}$`)
	counterpartForm = regexp.MustCompile(`^\d{8,16}$`)
)

// NormalizeOutbound keeps only '+' and digits and requires a run of at
// least six digits at the end. The returned value is digits only, ready to
// be used as the user part of an address.
func NormalizeOutbound(raw string) (string, error) {
	cleaned := nonDialable.ReplaceAllString(strings.TrimSpace(raw), "")
	if !trailingDigits.MatchString(cleaned) {
		return "", errors.Wrapf(ErrInvalidPhone, "%q", raw)
	}
	return strings.TrimLeft(cleaned, "+"), nil
}

// jidUser returns the user part of "user:device@server", without the
// device suffix.
func jidUser(jid string) string {
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}

func jidServer(jid string) string {
	if i := strings.LastIndexByte(jid, '@'); i >= 0 {
		return jid[i+1:]
	}
	return ""
}

// selfPhone extracts the bare phone from the tenant's own account id,
// e.g. "919800000000:12@s.whatsapp.net" -> "919800000000".
func selfPhone(jid string) string {
	return jidUser(jid)
}

func isCounterpartPhone(phone string) bool {
	return counterpartForm.MatchString(phone)
}
