package bridge

import "syscall"

// setpgidAttr puts the guest in its own process group so Cancel can signal
// the whole group (spec.md §5: "signals the guest's process group").
func setpgidAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
