package pause

import "errors"

var ErrModulePaused = errors.New("module paused")

type View interface {
	IsPaused(module string) bool
}

func Guard(p View, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
