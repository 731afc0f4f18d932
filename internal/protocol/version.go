package protocol

import "fmt"

// Version identifies a peer build: a major/minor pair plus the component
// kind ("android", "windows", "linux", "mac", "sdk-py", ...). Absence of a
// version in the auth message means "assume compatible".
type Version struct {
	Major     uint32 `json:"major"`
	Minor     uint32 `json:"minor"`
	Component string `json:"component"`
}

func (v Version) String() string {
	return fmt.Sprintf("%s v%d.%d", v.Component, v.Major, v.Minor)
}

// RelayVersion is this relay's own version.
var RelayVersion = Version{Major: 1, Minor: 0, Component: "relay"}

// compatRange is the inclusive major-version range supported for a component.
type compatRange struct {
	min, max uint32
}

// compatibility lists the supported major range per known component kind.
// Unknown components are accepted (forward compatible by default).
var compatibility = map[string]compatRange{
	"android": {1, 1},
	"windows": {1, 1},
	"linux":   {1, 1},
	"mac":     {1, 1},
	"sdk-ts":  {1, 1},
	"sdk-py":  {1, 1},
	"sdk-rs":  {1, 1},
	"relay":   {1, 1},
}

// CheckVersion reports whether a declared peer version falls inside the
// supported range for its component. A nil version is compatible.
func CheckVersion(v *Version) error {
	if v == nil {
		return nil
	}
	r, known := compatibility[v.Component]
	if !known {
		return nil
	}
	if v.Major < r.min {
		return fmt.Errorf("%s is outdated, update to version %d.x or later", v, r.min)
	}
	if v.Major > r.max {
		return fmt.Errorf("%s is newer than this relay supports (max %d.x)", v, r.max)
	}
	return nil
}
