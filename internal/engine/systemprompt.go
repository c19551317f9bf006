package engine

// ComposeSystemPrompt combines the proxy-configured system prompt with the
// one the inbound request carries, if any. If both are present, the
// configured prompt is prepended with a blank-line separator. If only one
// side provides a prompt, it is used verbatim. If neither does, the
// result is empty and no system instruction should be sent upstream.
func ComposeSystemPrompt(configured, inbound string) string {
	switch {
	case configured == "" && inbound == "":
		return ""
	case configured == "":
		return inbound
	case inbound == "":
		return configured
	default:
		return configured + "\n\n" + inbound
	}
}
