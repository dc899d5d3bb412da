package models

const (
	keyPullURL      = "pull_source_url"
	keyPullUsername = "pull_source_username"
	keyPullPassword = "pull_source_password"
)

// PullSettings identifies the remote server submissions are pulled from.
type PullSettings struct {
	ServerURL string `json:"server_url" binding:"required"`
	Username  string `json:"username"`
	Password  string `json:"password,omitempty"`
}

// IsEmpty reports whether no server is configured.
func (s PullSettings) IsEmpty() bool {
	return s.ServerURL == ""
}

// AsMap serializes the settings under prefix. The password is stored as given,
// callers encrypt it beforehand.
func (s PullSettings) AsMap(prefix string) map[string]string {
	m := map[string]string{prefix + keyPullURL: s.ServerURL}
	if s.Username != "" {
		m[prefix+keyPullUsername] = s.Username
	}
	if s.Password != "" {
		m[prefix+keyPullPassword] = s.Password
	}
	return m
}

// PullSettingsFromMap is the inverse of AsMap. ok is false when no server URL is stored.
func PullSettingsFromMap(m map[string]string, prefix string) (PullSettings, bool) {
	url, ok := m[prefix+keyPullURL]
	if !ok || url == "" {
		return PullSettings{}, false
	}
	return PullSettings{
		ServerURL: url,
		Username:  m[prefix+keyPullUsername],
		Password:  m[prefix+keyPullPassword],
	}, true
}

// PullSettingsKeys lists every key AsMap may emit for prefix.
func PullSettingsKeys(prefix string) []string {
	return []string{prefix + keyPullURL, prefix + keyPullUsername, prefix + keyPullPassword}
}
