//go:build !linux

package affinity

// threadID is unavailable, the goroutine id alone names the context.
func threadID() int {
	return 0
}
