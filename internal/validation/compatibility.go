// Package validation checks that the camera daemon can serve this client.
package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ValidationResult contains the result of a compatibility check
type ValidationResult struct {
	OK       bool
	Message  string
	Issues   []string
	Warnings []string
	Fixes    []string
}

// Minimum daemon release and the protocol revision this client speaks.
const (
	MinDaemonMajor = 1
	MinDaemonMinor = 2
	RPCVersion     = 1
)

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// ValidateDaemonVersion checks the daemon release against the minimum.
func ValidateDaemonVersion(versionString string) *ValidationResult {
	result := &ValidationResult{OK: true}

	matches := versionRe.FindStringSubmatch(versionString)
	if len(matches) < 4 {
		result.OK = false
		result.Message = fmt.Sprintf("Could not parse camera daemon version: %q", versionString)
		result.Issues = append(result.Issues, "Invalid version format")
		result.Fixes = append(result.Fixes, "Reinstall the camera daemon")
		return result
	}

	major, _ := strconv.Atoi(matches[1])
	minor, _ := strconv.Atoi(matches[2])

	if major < MinDaemonMajor || (major == MinDaemonMajor && minor < MinDaemonMinor) {
		result.OK = false
		result.Issues = append(result.Issues, fmt.Sprintf("camera daemon %d.%d is too old (requires %d.%d+)", major, minor, MinDaemonMajor, MinDaemonMinor))
		result.Fixes = append(result.Fixes, fmt.Sprintf("Update the camera daemon to %d.%d or later", MinDaemonMajor, MinDaemonMinor))
		result.Message = fmt.Sprintf("camera daemon %d.%d requires update", major, minor)
		return result
	}

	result.Message = fmt.Sprintf("camera daemon %d.%d is compatible (requires %d.%d+)", major, minor, MinDaemonMajor, MinDaemonMinor)
	return result
}

// validateRPCVersion checks the negotiated protocol revision.
func validateRPCVersion(rpc int) *ValidationResult {
	result := &ValidationResult{OK: true}
	if rpc != RPCVersion {
		result.OK = false
		result.Issues = append(result.Issues, fmt.Sprintf("protocol revision %d detected (requires %d)", rpc, RPCVersion))
		result.Fixes = append(result.Fixes, "Install a camera daemon that speaks protocol revision "+strconv.Itoa(RPCVersion))
		result.Message = fmt.Sprintf("protocol revision %d is incompatible", rpc)
		return result
	}
	result.Message = fmt.Sprintf("protocol revision %d is compatible", rpc)
	return result
}

// ValidateCameras warns when the daemon does not expose both cameras.
func ValidateCameras(cameras []string) *ValidationResult {
	result := &ValidationResult{OK: true}
	have := map[string]bool{}
	for _, c := range cameras {
		have[c] = true
	}
	for _, want := range []string{"back", "front"} {
		if !have[want] {
			result.Warnings = append(result.Warnings, fmt.Sprintf("no %s camera reported; switching to it will fail", want))
		}
	}
	result.Message = fmt.Sprintf("%d camera(s) available", len(cameras))
	return result
}

// CheckDaemonHealth combines the version, protocol and camera checks.
func CheckDaemonHealth(version string, rpc int, cameras []string) *ValidationResult {
	result := &ValidationResult{OK: true}
	var messages []string

	for _, check := range []*ValidationResult{
		ValidateDaemonVersion(version),
		validateRPCVersion(rpc),
		ValidateCameras(cameras),
	} {
		if !check.OK {
			result.OK = false
		}
		result.Issues = append(result.Issues, check.Issues...)
		result.Warnings = append(result.Warnings, check.Warnings...)
		result.Fixes = append(result.Fixes, check.Fixes...)
		messages = append(messages, check.Message)
	}

	result.Message = strings.Join(messages, " | ")
	if result.OK {
		result.Message = "camera daemon health check passed: " + result.Message
	} else {
		result.Message = "camera daemon health check FAILED: " + result.Message
	}
	return result
}

// SuggestedFixes returns troubleshooting steps for a failed daemon request.
func SuggestedFixes(errorCode int, errorMsg string) []string {
	var fixes []string

	switch errorCode {
	case 204:
		fixes = append(fixes, "The camera daemon rejected the request (code 204: InvalidRequest)")
		fixes = append(fixes, "This usually means the daemon is older than this client.")
		fixes = append(fixes, "")
		fixes = append(fixes, "Steps to fix:")
		fixes = append(fixes, "  1. Check the daemon version: shutter status")
		fixes = append(fixes, fmt.Sprintf("  2. Update the camera daemon to %d.%d or later", MinDaemonMajor, MinDaemonMinor))

	case 409:
		fixes = append(fixes, "The camera is bound by another client (code 409)")
		fixes = append(fixes, "")
		fixes = append(fixes, "Steps to fix:")
		fixes = append(fixes, "  1. Close other camera applications")
		fixes = append(fixes, "  2. Make sure only one shutterd is running")

	default:
		if strings.Contains(errorMsg, "not connected") {
			fixes = append(fixes, "Cannot connect to the camera daemon")
			fixes = append(fixes, "")
			fixes = append(fixes, "Verify:")
			fixes = append(fixes, "  1. The camera daemon is running")
			fixes = append(fixes, "  2. daemon.url in config.yaml points at it")
			fixes = append(fixes, "  3. daemon.password matches the daemon")
		} else {
			fixes = append(fixes, fmt.Sprintf("Error: %s", errorMsg))
			fixes = append(fixes, "Check the diagnostic log for details")
		}
	}

	return fixes
}
