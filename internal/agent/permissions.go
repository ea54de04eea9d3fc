package agent

import "fmt"

// PermissionStrategy decides how agent permission prompts are answered.
// There is no interactive path; every prompt is resolved automatically.
type PermissionStrategy string

const (
	PermissionAllow  PermissionStrategy = "allow"
	PermissionDeny   PermissionStrategy = "deny"
	PermissionCancel PermissionStrategy = "cancel"
)

// ParsePermissionStrategy validates a configured strategy; empty means allow
func ParsePermissionStrategy(s string) (PermissionStrategy, error) {
	switch PermissionStrategy(s) {
	case "", PermissionAllow:
		return PermissionAllow, nil
	case PermissionDeny:
		return PermissionDeny, nil
	case PermissionCancel:
		return PermissionCancel, nil
	default:
		return "", fmt.Errorf("unknown permission strategy %q", s)
	}
}
