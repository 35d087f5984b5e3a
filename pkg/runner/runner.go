package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

// Runner is the process lifecycle: Run blocks until the context is
// canceled or Stop is called, then drains before returning.
type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer lets in-flight calls finish before shutdown completes.
type Drainer interface {
	Drain() error
}

// Version is stamped by the release build via -ldflags.
var Version = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"VOICEWIRE\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
