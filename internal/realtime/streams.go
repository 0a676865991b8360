package realtime

// Stream naming: one stream per collaboration session keyed by its token,
// plus a personal stream per user for direct acknowledgments.
const (
	sessionStreamPrefix = "session."
	userStreamPrefix    = "user."
)

// SessionStream returns the broadcast stream for a session token.
func SessionStream(token string) string {
	return sessionStreamPrefix + token
}

// UserStream returns the personal stream for direct acknowledgments.
func UserStream(userID string) string {
	return userStreamPrefix + userID
}
