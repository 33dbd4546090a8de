package recorder

import (
	"fmt"
	"strings"

	"github.com/care/rheed/internal/types"
)

// Profile selects the container and codec of a recording session
type Profile string

const (
	// ProfileQuality stores the camera's raw UYVY payload losslessly in a
	// 2vuy QuickTime container
	ProfileQuality Profile = "quality"
	// ProfileCompatibility re-encodes every frame as Motion JPEG in AVI
	ProfileCompatibility Profile = "compatibility"
)

// ParseProfile parses a profile name. An empty name is the compatibility profile.
func ParseProfile(s string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case ProfileQuality:
		return ProfileQuality, nil
	case ProfileCompatibility, "":
		return ProfileCompatibility, nil
	default:
		return "", fmt.Errorf("unknown recording profile %q", s)
	}
}

// Ext returns the container file extension
func (p Profile) Ext() string {
	if p == ProfileQuality {
		return ".mov"
	}
	return ".avi"
}

// Codec returns the fourcc of the profile's codec
func (p Profile) Codec() string {
	if p == ProfileQuality {
		return "2vuy"
	}
	return "MJPG"
}

// ResolveProfile returns the profile a session will actually use. The
// quality profile needs a raw 4:2:2 payload, which only a camera delivering a
// YUV format provides; anything else records in compatibility mode.
func ResolveProfile(requested Profile, camera bool, format types.PixelFormat) Profile {
	if requested == ProfileQuality && camera && format.IsYUV422() {
		return ProfileQuality
	}
	return ProfileCompatibility
}
