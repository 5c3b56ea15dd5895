package common

import (
	"errors"
	"testing"
)

type pauseSet map[string]bool

func (p pauseSet) IsPaused(module string) bool { return p[module] }

func TestGuardNilView(t *testing.T) {
	if err := Guard(nil, "cdp"); err != nil {
		t.Fatalf("expected nil view to allow, got %v", err)
	}
	if err := GuardAction(nil, "cdp", "deposit"); err != nil {
		t.Fatalf("expected nil view to allow action, got %v", err)
	}
}

func TestGuardActionChecksModuleAndAction(t *testing.T) {
	cases := []struct {
		name   string
		view   pauseSet
		action string
		paused bool
	}{
		{name: "none", view: pauseSet{}, action: "deposit"},
		{name: "module", view: pauseSet{"cdp": true}, action: "deposit", paused: true},
		{name: "action", view: pauseSet{"cdp.deposit": true}, action: "deposit", paused: true},
		{name: "other action", view: pauseSet{"cdp.withdraw": true}, action: "deposit"},
		{name: "empty action", view: pauseSet{"cdp.deposit": true}, action: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := GuardAction(tc.view, "cdp", tc.action)
			if tc.paused && !errors.Is(err, ErrModulePaused) {
				t.Fatalf("expected ErrModulePaused, got %v", err)
			}
			if !tc.paused && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}
