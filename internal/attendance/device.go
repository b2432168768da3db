package attendance

import (
	"strings"

	"classattend/internal/model"
)

// DeviceFromUserAgent fills OS and device type from the user agent when the
// client did not report them.
func DeviceFromUserAgent(d model.DeviceInfo, userAgent string) model.DeviceInfo {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return d
	}
	if d.OS == "" {
		d.OS = detectOS(ua)
	}
	if d.Type == "" {
		d.Type = detectType(ua)
	}
	return d
}

// Android and iOS agents also mention Linux and Mac OS, so they are checked first.
func detectOS(ua string) string {
	switch {
	case strings.Contains(ua, "android"):
		return "Android"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ios"):
		return "iOS"
	case strings.Contains(ua, "windows"):
		return "Windows"
	case strings.Contains(ua, "mac"):
		return "macOS"
	case strings.Contains(ua, "linux"):
		return "Linux"
	}
	return ""
}

func detectType(ua string) string {
	switch {
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"):
		return "tablet"
	case strings.Contains(ua, "mobile"), strings.Contains(ua, "android"), strings.Contains(ua, "iphone"):
		return "mobile"
	}
	return "desktop"
}
