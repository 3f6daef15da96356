package server

// authorize checks a supplied API key against the configured allow list: an
// empty list means every request (keyed or not) is accepted; a non-empty
// list requires an exact match. ok is false when the request must be
// rejected with 401; message is the body text to report in that case.
func authorize(keys []string, suppliedKey string) (ok bool, message string) {
	if len(keys) == 0 {
		return true, ""
	}
	if suppliedKey == "" {
		return false, "API key required"
	}
	for _, k := range keys {
		if k == suppliedKey {
			return true, ""
		}
	}
	return false, "Invalid API key"
}
