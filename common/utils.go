package common

// MaskSecret masks sensitive strings for safe logging.
// Shows the first and last 4 characters for strings longer than 8 chars,
// "***" for anything shorter and "<not set>" for empty strings.
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// Ptr returns a pointer to the given value.
// Useful for initializing nullable fields in structs.
func Ptr[T any](v T) *T {
	return &v
}
