package domain

import "strings"

// =============================================================================
// Slug Generation
// =============================================================================

// Slugify converts a name into a lowercase token usable in container, network
// and stack instance names.
//
//   - a-z, 0-9 are kept; A-Z are lowercased
//   - spaces, '-', '_', '.' and '/' become a single hyphen
//   - all other characters are dropped
//   - leading and trailing hyphens are trimmed
//
// Example:
//
//	Slugify("Hello World")   // "hello-world"
//	Slugify("acme_crm/API")  // "acme-crm-api"
//	Slugify("My App 2.0!")   // "my-app-2-0"
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingSep := false
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
		case r >= 'A' && r <= 'Z':
			r += 'a' - 'A'
		case r == ' ' || r == '-' || r == '_' || r == '.' || r == '/':
			pendingSep = b.Len() > 0
			continue
		default:
			continue
		}
		if pendingSep {
			b.WriteByte('-')
			pendingSep = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
