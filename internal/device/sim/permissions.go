package sim

import (
	"errors"
	"sync"
)

// Permissions is a permission.Platform double.
type Permissions struct {
	mu        sync.Mutex
	runtime   bool
	granted   bool
	prompts   int
	promptErr error
	onPrompt  func()
}

// NewPermissions constructs a runtime-permission platform with the given grant.
func NewPermissions(granted bool) *Permissions {
	return &Permissions{runtime: true, granted: granted}
}

// NewLegacyPermissions constructs a platform that grants at install time.
func NewLegacyPermissions() *Permissions {
	return &Permissions{runtime: false}
}

// RuntimePermissions implements permission.Platform.
func (p *Permissions) RuntimePermissions() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runtime
}

// Granted implements permission.Platform.
func (p *Permissions) Granted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted
}

// Prompt implements permission.Platform. The OnPrompt hook runs after the
// prompt is recorded, standing in for the user answering the dialog.
func (p *Permissions) Prompt() error {
	p.mu.Lock()
	if p.promptErr != nil {
		err := p.promptErr
		p.mu.Unlock()
		return err
	}
	p.prompts++
	hook := p.onPrompt
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// SetGranted changes the OS grant, including out-of-band revocation.
func (p *Permissions) SetGranted(granted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted = granted
}

// OnPrompt installs a hook run for each prompt.
func (p *Permissions) OnPrompt(hook func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPrompt = hook
}

// FailPrompt makes future prompts fail. A nil err clears it.
func (p *Permissions) FailPrompt(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promptErr = err
}

// Prompts returns how many dialogs were shown.
func (p *Permissions) Prompts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts
}

// ErrPromptUnavailable is a convenience error for FailPrompt.
var ErrPromptUnavailable = errors.New("sim: permission prompt unavailable")
