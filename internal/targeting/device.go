package targeting

import (
	"fmt"

	"github.com/avct/uasurfer"
)

// ResolveDevice parses a raw User-Agent string.
func ResolveDevice(ua string) Device {
	u := uasurfer.Parse(ua)

	var class string
	switch u.DeviceType {
	case uasurfer.DeviceComputer:
		class = "desktop"
	case uasurfer.DevicePhone:
		class = "mobile"
	case uasurfer.DeviceTablet:
		class = "tablet"
	default:
		class = "other"
	}

	v := u.OS.Version
	osName := fmt.Sprintf("%s %s %d.%d.%d", u.OS.Platform.String(), u.OS.Name.String(), v.Major, v.Minor, v.Patch)
	bv := u.Browser.Version
	browser := fmt.Sprintf("%s %d.%d.%d", u.Browser.Name.String(), bv.Major, bv.Minor, bv.Patch)

	return Device{
		Class:   class,
		OS:      osName,
		Browser: browser,
		IsBot:   u.IsBot(),
	}
}
