package types

import "fmt"

// ProcessKey identifies a destination process by name and uid.
type ProcessKey struct {
	Name string
	UID  int32
}

// String returns the canonical "name/uid" form used in logs and dumps.
func (k ProcessKey) String() string {
	return fmt.Sprintf("%s/%d", k.Name, k.UID)
}

// PackageKey identifies an installed package under a uid.
type PackageKey struct {
	UID     int32
	Package string
}

// String returns the canonical "package/uid" form used in logs and dumps.
func (k PackageKey) String() string {
	return fmt.Sprintf("%s/%d", k.Package, k.UID)
}
