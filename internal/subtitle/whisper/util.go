package whisper

import (
	"regexp"
	"strings"
)

// oomPattern matches the allocation failures whisper.cpp and CUDA report.
// "oom" must stand alone so words like "room" or "zoom" do not match.
var oomPattern = regexp.MustCompile(`(?i)out of memory|\boom\b|failed to allocate|cudaErrorMemoryAllocation`)

// isOOMError checks if an error response indicates GPU out-of-memory
func isOOMError(body string) bool {
	return oomPattern.MatchString(body)
}

// isRetryableError checks if an HTTP error is transient and worth retrying
func isRetryableError(statusCode int, err error) bool {
	if statusCode == 502 || statusCode == 503 || statusCode == 504 {
		return true
	}
	if err != nil && statusCode == 0 {
		errStr := err.Error()
		return strings.Contains(errStr, "connection refused") ||
			strings.Contains(errStr, "connection reset") ||
			strings.Contains(errStr, "EOF") ||
			strings.Contains(errStr, "timeout")
	}
	return false
}
