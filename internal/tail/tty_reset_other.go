//go:build windows

package tail

func bestEffortResetTTY() {}
