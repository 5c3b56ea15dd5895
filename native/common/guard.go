package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a module, or a single action within it, has been
// paused by governance. Action-level toggles use "<module>.<action>" names.
type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// GuardAction checks the module-wide toggle first and then the action toggle.
func GuardAction(p PauseView, module, action string) error {
	if err := Guard(p, module); err != nil {
		return err
	}
	if action == "" {
		return nil
	}
	return Guard(p, module+"."+action)
}
