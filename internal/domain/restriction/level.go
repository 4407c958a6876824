package restriction

// Level is the restriction classification layered atop standby buckets and
// abuse signals. Higher values are more restrictive. Values are spaced so
// intermediate levels can be added without renumbering.
type Level int

const (
	LevelUnknown              Level = 0
	LevelExempted             Level = 10
	LevelAdaptiveBucket       Level = 20
	LevelRestrictedBucket     Level = 30
	LevelBackgroundRestricted Level = 40
	LevelHibernation          Level = 50
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelExempted:
		return "exempted"
	case LevelAdaptiveBucket:
		return "adaptive-bucket"
	case LevelRestrictedBucket:
		return "restricted-bucket"
	case LevelBackgroundRestricted:
		return "background-restricted"
	case LevelHibernation:
		return "hibernation"
	default:
		return "unknown"
	}
}

// Reason encodes why a level was applied: a main reason in the high byte and
// a sub-reason in the low byte. Level and reason are always updated together.
type Reason int

const (
	ReasonSubMask  Reason = 0x00ff
	ReasonMainMask Reason = 0xff00

	ReasonMainDefault        Reason = 0x0000
	ReasonMainUsage          Reason = 0x0100
	ReasonMainForcedByUser   Reason = 0x0200
	ReasonMainForcedBySystem Reason = 0x0300
	ReasonMainDormant        Reason = 0x0400

	ReasonSubNone         Reason = 0x0000
	ReasonSubBucket       Reason = 0x0001
	ReasonSubAbuseTracker Reason = 0x0002
	ReasonSubUserConsent  Reason = 0x0003
)

// Main returns the main-reason component.
func (r Reason) Main() Reason { return r & ReasonMainMask }

// Sub returns the sub-reason component.
func (r Reason) Sub() Reason { return r & ReasonSubMask }

// String returns a "main/sub" rendering for dumps.
func (r Reason) String() string {
	var main string
	switch r.Main() {
	case ReasonMainUsage:
		main = "usage"
	case ReasonMainForcedByUser:
		main = "forced-by-user"
	case ReasonMainForcedBySystem:
		main = "forced-by-system"
	case ReasonMainDormant:
		main = "dormant"
	default:
		main = "default"
	}
	switch r.Sub() {
	case ReasonSubBucket:
		return main + "/bucket"
	case ReasonSubAbuseTracker:
		return main + "/abuse-tracker"
	case ReasonSubUserConsent:
		return main + "/user-consent"
	default:
		return main
	}
}
