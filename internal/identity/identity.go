// ABOUTME: Filesystem-safe transforms for identity strings
// ABOUTME: Maps decentralized identifiers to deterministic store and lock file names

package identity

// Slugify converts an identity string (a DID such as did:example:alice) to a
// filesystem-safe name. Alphanumerics, '.', '-' and '_' pass through;
// everything else becomes '_'. The transform is deterministic so both
// processes resolve an identity to the same files.
func Slugify(id string) string {
	result := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' {
			result = append(result, c)
		} else {
			result = append(result, '_')
		}
	}
	return string(result)
}
