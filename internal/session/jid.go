package session

import "strings"

// UserServer is the address suffix of individual WhatsApp accounts.
const UserServer = "s.whatsapp.net"

// NormalizeJID qualifies a bare phone number with the user server. Anything
// that already carries a server part is passed through untouched.
func NormalizeJID(to string) string {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		return to
	}
	return to + "@" + UserServer
}
