package types

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedProfile is returned by ParseProfileMetadata when kind 0 content is not a JSON object.
var ErrMalformedProfile = errors.New("malformed profile metadata")

// ProfileMetadata contains user profile metadata (kind 0)
type ProfileMetadata struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	About       string `json:"about,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Website     string `json:"website,omitempty"`
}

// ParseProfileMetadata decodes kind 0 content.
func ParseProfileMetadata(content string) (*ProfileMetadata, error) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "{") {
		return nil, ErrMalformedProfile
	}
	var m ProfileMetadata
	if err := json.Unmarshal([]byte(content), &m); err != nil {
		return nil, errors.Join(ErrMalformedProfile, err)
	}
	return &m, nil
}

// BestName returns the display name, falling back to name.
func (p *ProfileMetadata) BestName() string {
	if p == nil {
		return ""
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}
