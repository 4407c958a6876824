// Package types provides shared data structures for the broadcastd runtime.
//
// This package defines identity and classification types used across the
// dispatch and restriction subsystems, ensuring consistent process and
// package identification.
//
// Core Types:
//   - ProcessKey: (processName, uid) identity of a destination process
//   - PackageKey: (uid, packageName) identity of an installed package
//   - Bucket: usage-based standby classification
//   - UIDState: coarse uid process-state classification
//
// Example Usage:
//
//	key := types.ProcessKey{Name: "com.example.app", UID: 10042}
//	if bucket == types.BucketRestricted { ... }
package types
