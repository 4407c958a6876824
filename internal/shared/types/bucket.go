package types

// Bucket is the usage-based standby classification maintained by the
// external standby authority. Higher values mean less execution privilege.
type Bucket int

const (
	BucketExempted   Bucket = 5
	BucketActive     Bucket = 10
	BucketWorkingSet Bucket = 20
	BucketFrequent   Bucket = 30
	BucketRare       Bucket = 40
	BucketRestricted Bucket = 45
	BucketNever      Bucket = 50
)

// String returns the bucket name.
func (b Bucket) String() string {
	switch b {
	case BucketExempted:
		return "exempted"
	case BucketActive:
		return "active"
	case BucketWorkingSet:
		return "working-set"
	case BucketFrequent:
		return "frequent"
	case BucketRare:
		return "rare"
	case BucketRestricted:
		return "restricted"
	case BucketNever:
		return "never"
	default:
		return "unknown"
	}
}

// UIDState is the coarse process-state classification delivered by the
// process liveness subsystem for a uid.
type UIDState int

const (
	// UIDStateActive means the uid holds a foreground-important process.
	UIDStateActive UIDState = iota
	// UIDStateIdle means the uid has no foreground-important process.
	UIDStateIdle
	// UIDStateGone means the uid has no running processes at all.
	UIDStateGone
)

// String returns the state name.
func (s UIDState) String() string {
	switch s {
	case UIDStateActive:
		return "active"
	case UIDStateIdle:
		return "idle"
	case UIDStateGone:
		return "gone"
	default:
		return "unknown"
	}
}
